// Package runtime implements C6: the multi-rig runtime. It owns the
// rig-id -> handle map, spawns one backend + controller (+ decoder fan-out,
// optional MQTT uplink) per configured rig, and supervises their shutdown.
// Grounded on the teacher's session.go/radiod.go supervisory pattern,
// generalized from "one session per client" to "one handle per rig"
// (spec.md §9 "runtime owns the rig map; a controller holds only a
// SelectRigFunc back-reference, never a strong pointer, avoiding the cyclic
// reference the teacher's session<->hub relationship has to work around").
package runtime

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/n0call/trx-rs-go/internal/audio"
	"github.com/n0call/trx-rs-go/internal/cat"
	"github.com/n0call/trx-rs-go/internal/config"
	"github.com/n0call/trx-rs-go/internal/controller"
	"github.com/n0call/trx-rs-go/internal/decoder"
	"github.com/n0call/trx-rs-go/internal/grid"
	"github.com/n0call/trx-rs-go/internal/logging"
	"github.com/n0call/trx-rs-go/internal/metrics"
	"github.com/n0call/trx-rs-go/internal/pluginreg"
	"github.com/n0call/trx-rs-go/internal/rig"
	"github.com/n0call/trx-rs-go/internal/sdr"
)

// buildVersion/buildDate are overridden at link time (-ldflags "-X ...");
// the zero values below are what a source build reports.
var (
	buildVersion = "dev"
	buildDate    = "unknown"
)

// shutdownDeadline bounds how long Stop waits for every rig's Run goroutine
// to return before giving up (spec.md §9 "bounded shutdown deadline").
const shutdownDeadline = 5 * time.Second

// Handle is everything the runtime owns for one rig.
type Handle struct {
	ID         string
	Controller *controller.Controller
	FanOut     *decoder.FanOut
	Uplink     *decoder.MqttUplink
	WsjtxUdp   *decoder.WsjtxBroadcaster
	AudioCfg   config.AudioConfig
	backend    rig.Backend
	pipeline   *sdr.Pipeline // non-nil only for sdr-backed rigs; exposes SubscribePCM
	audioSrc   rig.PcmSubscribe
	// decoderChannels maps a configured decoder name to the SDR channel it
	// should subscribe to, resolved against the plugin registry at Run time.
	decoderChannels map[string]string
	// opusChannelID names the one SDR channel marked stream_opus; empty when
	// no channel is marked (no streamed audio for this rig) or the backend
	// is not SDR-based.
	opusChannelID string
}

// TxAudioSink returns the backend's TX audio path, nil when the backend has
// none (the SDR pipeline, spec.md §9 open questions).
func (h *Handle) TxAudioSink() rig.TxAudioSink {
	if sink, ok := h.backend.(rig.TxAudioSink); ok {
		return sink
	}
	return nil
}

// AudioSource returns this rig's PCM subscription function and whether the
// backend produces audio at all (CAT-only rigs don't).
func (h *Handle) AudioSource() (rig.PcmSubscribe, bool) {
	return h.audioSrc, h.audioSrc != nil
}

// FilterState reports the primary SDR channel's bandwidth/taps; ok is false
// for CAT-only rigs, which have no channel FIR to report.
func (h *Handle) FilterState() (bandwidthHz, firTaps int, ok bool) {
	if h.pipeline == nil {
		return 0, 0, false
	}
	bw, taps := h.pipeline.PrimaryFilterState()
	return bw, taps, true
}

// Runtime is C6: the process-wide owner of every configured rig.
type Runtime struct {
	logger *log.Logger

	mu   sync.RWMutex
	rigs map[string]*Handle
	// selected is the rig_id that commands with no explicit target apply
	// to, and what SelectRig changes; spec.md §4.6 "single-rig commands default to the first
	// configured rig, or the most recently selected one".
	selected string

	cancel context.CancelFunc
	wg     sync.WaitGroup

	metrics    *metrics.Metrics
	plugins    *pluginreg.Registry
	identity   rig.ServerIdentity
	pskEnabled bool
	clients    int32
}

// IncClientCount/DecClientCount track connected control-protocol clients for
// the ClientCount field every snapshot carries; the listener calls these
// around each connection's lifetime.
func (rt *Runtime) IncClientCount() { atomic.AddInt32(&rt.clients, 1) }
func (rt *Runtime) DecClientCount() { atomic.AddInt32(&rt.clients, -1) }

// Metrics returns the Prometheus registration this runtime reports to, for
// wiring a single /metrics endpoint without double-registering (A3).
func (rt *Runtime) Metrics() *metrics.Metrics {
	return rt.metrics
}

// New builds a Runtime from a loaded ServerConfig but does not start
// anything; call Run to spawn every rig's goroutines.
func New(cfg *config.ServerConfig, logger *log.Logger) (*Runtime, error) {
	plugins, err := pluginreg.New()
	if err != nil {
		return nil, fmt.Errorf("runtime: plugin registry: %w", err)
	}

	rt := &Runtime{
		logger:     logger,
		rigs:       make(map[string]*Handle),
		metrics:    metrics.New(),
		plugins:    plugins,
		identity:   buildIdentity(cfg),
		pskEnabled: cfg.Plugins.PskReporterEnabled,
	}

	entries := cfg.Rigs
	if len(entries) == 0 {
		// Single-rig legacy layout: synthesize one RigEntry named "default"
		// from the top-level [rig]/[audio]/[sdr] sections.
		entries = []config.RigEntry{{ID: "default", Rig: cfg.Rig, Audio: cfg.Audio, Sdr: cfg.Sdr}}
	}

	for _, e := range entries {
		h, err := rt.build(e, cfg)
		if err != nil {
			return nil, fmt.Errorf("runtime: rig %q: %w", e.ID, err)
		}
		rt.rigs[e.ID] = h
		if rt.selected == "" {
			rt.selected = e.ID
		}
	}
	return rt, nil
}

// build constructs one rig's backend, controller, and fan-out without
// starting their goroutines.
func (rt *Runtime) build(e config.RigEntry, cfg *config.ServerConfig) (*Handle, error) {
	backend, pipeline, err := buildBackend(e)
	if err != nil {
		return nil, err
	}

	retry := controller.NewExponentialBackoff(
		time.Duration(cfg.Behavior.RetryBaseDelayMs)*time.Millisecond,
		5*time.Second,
		cfg.Behavior.MaxRetries,
	)
	poll := controller.NewAdaptivePolling(
		time.Duration(cfg.Behavior.PollIntervalMs)*time.Millisecond,
		time.Duration(cfg.Behavior.PollIntervalTxMs)*time.Millisecond,
	)

	rigID := e.ID
	rigLogger := logging.ForRig(rt.logger, rigID)
	ctrl := controller.New(controller.Config{
		RigID:       rigID,
		DisplayName: e.Rig.Model,
		Backend:     backend,
		Retry:       retry,
		Poll:        poll,
		SelectRig:   rt.SelectRig,
		Logger:      rigLogger,
		Metrics:     rt.metrics,
	})

	var source decoder.PcmSource
	if pipeline != nil {
		source = pipeline
	} else {
		source = noopPcmSource{}
	}
	fanOut := decoder.New(rigID, source, rigLogger)
	fanOut.SetMetrics(rt.metrics)

	h := &Handle{ID: rigID, Controller: ctrl, FanOut: fanOut, backend: backend, pipeline: pipeline, AudioCfg: e.Audio}
	if sub, ok := backend.AsAudioSource(); ok {
		h.audioSrc = sub
	}
	if pipeline != nil {
		h.decoderChannels = make(map[string]string)
		for _, ch := range e.Sdr.Channels {
			for _, d := range ch.Decoders {
				h.decoderChannels[d] = ch.ID
			}
			if ch.StreamOpus {
				h.opusChannelID = ch.ID
			}
		}
	}

	if cfg.Plugins.MqttEnabled && cfg.Plugins.MqttBroker != "" {
		up, err := decoder.NewMqttUplink(cfg.Plugins.MqttBroker, rigID, rigLogger)
		if err != nil {
			// A bystander uplink failing to connect at startup is logged,
			// never fatal to the rig itself (spec.md §7).
			if rt.logger != nil {
				rt.logger.Warn("mqtt uplink disabled", "rig_id", rigID, "err", err)
			}
		} else {
			h.Uplink = up
		}
	}

	if cfg.Plugins.WsjtxUdpEnabled && cfg.Plugins.WsjtxUdpAddr != "" {
		wb, err := decoder.NewWsjtxBroadcaster(cfg.Plugins.WsjtxUdpAddr, rigID, rigLogger)
		if err != nil {
			if rt.logger != nil {
				rt.logger.Warn("wsjtx udp broadcaster disabled", "rig_id", rigID, "err", err)
			}
		} else {
			h.WsjtxUdp = wb
		}
	}

	return h, nil
}

// buildBackend constructs the rig.Backend for one RigEntry's access
// descriptor, returning the sdr.Pipeline too when the backend is SDR-based
// (the fan-out needs it as a PcmSource).
func buildBackend(e config.RigEntry) (rig.Backend, *sdr.Pipeline, error) {
	initialFreq := rig.Frequency(e.Rig.InitialFreqHz)
	initialMode := rig.ParseMode(e.Rig.InitialMode)

	switch e.Rig.Access.Type {
	case "serial":
		path := e.Rig.Access.Port
		if path == "auto" {
			ports, err := cat.DiscoverSerialPorts(context.Background())
			if err != nil {
				return nil, nil, fmt.Errorf("serial port auto-discovery: %w", err)
			}
			if len(ports) == 0 {
				return nil, nil, fmt.Errorf("serial port auto-discovery found no tty devices")
			}
			path = ports[0]
		}
		t, err := cat.OpenSerial(path, e.Rig.Access.Baud)
		if err != nil {
			return nil, nil, err
		}
		access := rig.AccessDescriptor{Kind: rig.AccessSerial, Path: path, Baud: e.Rig.Access.Baud}
		backend := cat.New(t, cat.DefaultKenwoodQuirks(), access, initialFreq, initialMode)
		if err := attachGpioPtt(backend, e.Rig.Access); err != nil {
			return nil, nil, err
		}
		return backend, nil, nil

	case "tcp":
		t, err := cat.DialTCP(e.Rig.Access.Host, e.Rig.Access.TCPPort)
		if err != nil {
			return nil, nil, err
		}
		access := rig.AccessDescriptor{Kind: rig.AccessTcp, Host: e.Rig.Access.Host, Port: e.Rig.Access.TCPPort}
		backend := cat.New(t, cat.DefaultKenwoodQuirks(), access, initialFreq, initialMode)
		if err := attachGpioPtt(backend, e.Rig.Access); err != nil {
			return nil, nil, err
		}
		return backend, nil, nil

	case "sdr":
		pcfg, source, err := sdrPipelineConfig(e)
		if err != nil {
			return nil, nil, err
		}
		p, err := sdr.New(pcfg, source, nil)
		if err != nil {
			return nil, nil, err
		}
		return p, p, nil

	default:
		return nil, nil, fmt.Errorf("unknown access type %q", e.Rig.Access.Type)
	}
}

// attachGpioPtt wires the optional hardware PTT line named by the access
// descriptor to the CAT backend; a missing config leaves keying CAT-only.
func attachGpioPtt(backend *cat.Backend, access config.AccessConfig) error {
	if access.PttGpioChip == "" {
		return nil
	}
	g, err := cat.NewGpioPtt(access.PttGpioChip, access.PttGpioLine)
	if err != nil {
		return err
	}
	backend.AttachGpioPtt(g)
	return nil
}

// sdrPipelineConfig translates a RigEntry's [sdr] section into sdr.Config and
// opens the multicast SampleSource named by the rig's access args.
func sdrPipelineConfig(e config.RigEntry) (sdr.Config, sdr.SampleSource, error) {
	source, err := sdr.OpenUdpIqSource(e.Rig.Access.Args)
	if err != nil {
		return sdr.Config{}, nil, err
	}

	channels := make([]sdr.ChannelConfig, 0, len(e.Sdr.Channels))
	for _, c := range e.Sdr.Channels {
		cc := sdr.ChannelConfig{
			ID:              c.ID,
			OffsetHz:        c.OffsetHz,
			AudioBwHz:       c.AudioBandwidthHz,
			FirTaps:         c.FirTaps,
			CwCenterHz:      c.CwCenterHz,
			WfmBandwidthHz:  c.WfmBandwidthHz,
			Decoders:        c.Decoders,
			StreamOpus:      c.StreamOpus,
			FrameDurationMs: e.Audio.FrameDurationMs,
		}
		if c.Mode != "" && c.Mode != "auto" {
			m := rig.ParseMode(c.Mode)
			cc.FixedMode = &m
		}
		channels = append(channels, cc)
	}
	if len(channels) == 0 {
		channels = []sdr.ChannelConfig{{ID: "main", AudioBwHz: 3000, FirTaps: 127}}
	}

	audioRate := e.Audio.SampleRate
	if audioRate <= 0 {
		audioRate = 12_000 // rig entries without an [audio] section still demodulate for decoders
	}

	return sdr.Config{
		DeviceRate:     e.Sdr.SampleRate,
		AudioRate:      audioRate,
		CenterOffsetHz: e.Sdr.CenterOffsetHz,
		InitialFreqHz:  e.Rig.InitialFreqHz,
		Channels:       channels,
		Args:           e.Rig.Access.Args,
	}, source, nil
}

// Run starts every rig's controller and, where present, its SDR pipeline and
// MQTT uplink, then blocks until ctx is cancelled.
func (rt *Runtime) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	rt.cancel = cancel

	rt.mu.RLock()
	handles := make([]*Handle, 0, len(rt.rigs))
	for _, h := range rt.rigs {
		handles = append(handles, h)
	}
	rt.mu.RUnlock()

	for _, h := range handles {
		h := h
		rt.wg.Add(1)
		go func() {
			defer rt.wg.Done()
			h.Controller.Run(ctx)
		}()

		if h.pipeline != nil {
			rt.wg.Add(1)
			go func() {
				defer rt.wg.Done()
				h.pipeline.Run(ctx)
			}()
			rt.bindDecoders(ctx, h)
		}

		if h.AudioCfg.Enabled {
			rt.startAudio(ctx, h)
		}
		if h.Uplink != nil {
			rt.wg.Add(1)
			go func() {
				defer rt.wg.Done()
				h.Uplink.Run(ctx, h.FanOut)
			}()
		}
		if h.WsjtxUdp != nil {
			rt.wg.Add(1)
			go func() {
				defer rt.wg.Done()
				h.WsjtxUdp.Run(ctx, h.FanOut)
			}()
		}
	}

	<-ctx.Done()
}

// bindDecoders subscribes each configured decoder to its channel's PCM
// broadcast, resolving the decoder implementation through the plugin
// registry. A decoder name with no registered plugin is logged and skipped:
// the channel still demodulates, there's just nothing consuming its frames.
func (rt *Runtime) bindDecoders(ctx context.Context, h *Handle) {
	for name, channelID := range h.decoderChannels {
		factory, ok := rt.plugins.DecoderFactoryFor(name)
		if !ok {
			if rt.logger != nil {
				rt.logger.Warn("no decoder plugin registered, channel audio is produced but not decoded",
					"rig_id", h.ID, "decoder", name, "channel", channelID)
			}
			continue
		}
		if err := h.FanOut.Bind(ctx, factory(channelID), channelID); err != nil {
			if rt.logger != nil {
				rt.logger.Error("decoder bind failed", "rig_id", h.ID, "decoder", name, "err", err)
			}
		}
	}
}

// startAudio opens this rig's dedicated audio port and serves the
// StreamInfo-then-packets protocol on it until shutdown.
func (rt *Runtime) startAudio(ctx context.Context, h *Handle) {
	addr := fmt.Sprintf("%s:%d", h.AudioCfg.Listen, h.AudioCfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		// The rig itself stays usable over the control protocol; only its
		// audio surface is missing.
		if rt.logger != nil {
			rt.logger.Error("audio listener failed", "rig_id", h.ID, "addr", addr, "err", err)
		}
		return
	}

	var source rig.PcmSubscribe
	if h.AudioCfg.RxEnabled {
		switch {
		case h.pipeline != nil && h.opusChannelID != "":
			// The streamed source is the one channel marked stream_opus,
			// which need not be the primary the rig interface reports on.
			pipeline, channelID := h.pipeline, h.opusChannelID
			source = func() (<-chan rig.PcmFrame, func()) {
				ch, cancel, err := pipeline.SubscribePCM(channelID)
				if err != nil {
					closed := make(chan rig.PcmFrame)
					close(closed)
					return closed, func() {}
				}
				return ch, cancel
			}
		case h.pipeline == nil:
			source = h.audioSrc
		}
		// An SDR rig with no stream_opus channel streams nothing: zero
		// marked channels is an allowed configuration.
	}
	var sink rig.TxAudioSink
	if h.AudioCfg.TxEnabled {
		sink = h.TxAudioSink()
	}

	srv := audio.NewServer(audio.Config{
		RigID:      h.ID,
		SampleRate: h.AudioCfg.SampleRate,
		Channels:   h.AudioCfg.Channels,
		FrameMs:    h.AudioCfg.FrameDurationMs,
		BitrateBps: h.AudioCfg.BitrateBps,
		WantOpus:   true,
		RxEnabled:  h.AudioCfg.RxEnabled,
		TxEnabled:  h.AudioCfg.TxEnabled,
		Source:     source,
		TxSink:     sink,
	}, rt.logger)

	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		if rt.logger != nil {
			rt.logger.Info("audio listening", "rig_id", h.ID, "addr", addr)
		}
		srv.Serve(ln, ctx.Done())
	}()
}

// SetFilter implements SetBandwidth/SetFirTaps for rigs with an SDR pipeline;
// it is a no-op (returns false) for CAT-only rigs, which have no channel FIR.
func (h *Handle) SetFilter(bandwidthHz, firTaps int) bool {
	if h.pipeline == nil {
		return false
	}
	h.pipeline.SetPrimaryFilter(bandwidthHz, firTaps)
	return true
}

// Stop cancels every rig's goroutines and waits up to shutdownDeadline for
// them to exit.
func (rt *Runtime) Stop() {
	if rt.cancel != nil {
		rt.cancel()
	}
	rt.mu.RLock()
	for _, h := range rt.rigs {
		h.Controller.Stop()
		if h.pipeline != nil {
			h.pipeline.Stop()
		}
		h.FanOut.Close()
	}
	rt.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		rt.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownDeadline):
		if rt.logger != nil {
			rt.logger.Warn("runtime: shutdown deadline exceeded, exiting anyway")
		}
	}
}

// GetRigs returns every configured rig's latest snapshot, enriched with the
// server-wide identity/roster fields, the fast path behind the ListRigs/
// GetStatus-all-rigs protocol operation.
func (rt *Runtime) GetRigs() []rig.RigSnapshot {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	out := make([]rig.RigSnapshot, 0, len(rt.rigs))
	for _, h := range rt.rigs {
		out = append(out, rt.enrichLocked(h.Controller.Latest(), h))
	}
	return out
}

// enrichLocked fills in the server-scoped fields a Controller has no business
// knowing about (its own identity, the full rig roster, which rig is
// selected, how many clients are attached, and the negotiated plugin
// versions). Callers must hold rt.mu for reading.
func (rt *Runtime) enrichLocked(s rig.RigSnapshot, h *Handle) rig.RigSnapshot {
	s.Server = rt.identity
	s.ActiveRigID = rt.selected
	s.ClientCount = int(atomic.LoadInt32(&rt.clients))
	s.PluginVersions = rt.plugins.Versions()

	s.Rigs = make([]rig.RigListEntry, 0, len(rt.rigs))
	for id, other := range rt.rigs {
		s.Rigs = append(s.Rigs, rig.RigListEntry{RigID: id, DisplayName: other.Controller.DisplayName})
	}

	s.PskReporterEnabled = rt.pskEnabled
	s.Decoders = rig.DecoderFlags{
		Ft8Enabled:  h.FanOut.IsEnabled(decoder.ModeFT8),
		WsprEnabled: h.FanOut.IsEnabled(decoder.ModeWSPR),
	}
	if bw, taps, ok := h.FilterState(); ok {
		s.Filter = &rig.FilterState{BandwidthHz: bw, FirTaps: taps}
	}
	return s
}

// Snapshot returns one rig's enriched snapshot by id (spec.md §4.6
// get_snapshot), defaulting to the selected rig like Rig does.
func (rt *Runtime) Snapshot(rigID string) (rig.RigSnapshot, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	if rigID == "" {
		rigID = rt.selected
	}
	h, ok := rt.rigs[rigID]
	if !ok {
		return rig.RigSnapshot{}, false
	}
	return rt.enrichLocked(h.Controller.Latest(), h), true
}

// buildIdentity derives the server-scoped identity block every snapshot
// carries: station callsign/coordinates from [general], plus the grid
// square derived from them when both are set.
func buildIdentity(cfg *config.ServerConfig) rig.ServerIdentity {
	id := rig.ServerIdentity{
		Version:   buildVersion,
		BuildDate: buildDate,
		Callsign:  cfg.General.Callsign,
		Latitude:  cfg.General.Latitude,
		Longitude: cfg.General.Longitude,
	}
	if cfg.General.Latitude != nil && cfg.General.Longitude != nil {
		if sq, err := grid.FromLatLon(*cfg.General.Latitude, *cfg.General.Longitude); err == nil {
			id.GridSquare = sq
		}
		if utm, err := grid.ToUTM(*cfg.General.Latitude, *cfg.General.Longitude); err == nil {
			id.UTM = fmt.Sprintf("%d%c %.0f %.0f", utm.Zone, utm.Hemisphere, utm.Easting, utm.Northing)
		}
	}
	return id
}

// Handles returns every rig's handle, for consumers that fan out per rig
// (the control listener's implicit all-rigs snapshot subscription).
func (rt *Runtime) Handles() []*Handle {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	out := make([]*Handle, 0, len(rt.rigs))
	for _, h := range rt.rigs {
		out = append(out, h)
	}
	return out
}

// Rig looks up a handle by id, defaulting to the selected rig when id is
// empty (spec.md §4.6).
func (rt *Runtime) Rig(id string) (*Handle, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	if id == "" {
		id = rt.selected
	}
	h, ok := rt.rigs[id]
	return h, ok
}

// SelectRig changes the default rig for unqualified commands; it is the
// SelectRigFunc every controller is handed so a rig-scoped SelectRig command
// can reach the runtime without the controller holding a strong reference
// back to it.
func (rt *Runtime) SelectRig(rigID string) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if _, ok := rt.rigs[rigID]; !ok {
		return fmt.Errorf("runtime: unknown rig %q", rigID)
	}
	rt.selected = rigID
	return nil
}

// noopPcmSource backs the fan-out for non-SDR (CAT-only) rigs, which have no
// demodulated audio to decode.
type noopPcmSource struct{}

func (noopPcmSource) SubscribePCM(channelID string) (<-chan rig.PcmFrame, func(), error) {
	return nil, nil, fmt.Errorf("runtime: rig has no audio channels to bind a decoder to")
}

var _ decoder.PcmSource = noopPcmSource{}
