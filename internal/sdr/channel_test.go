package sdr

import (
	"math/cmplx"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/n0call/trx-rs-go/internal/rig"
)

func TestStepPhasorNegatesIFForLSB(t *testing.T) {
	usb := newChannel(ChannelConfig{ID: "ch0"}, 48000, 12000, 1, 1000, rig.NewMode(rig.ModeUSB), true)
	lsb := newChannel(ChannelConfig{ID: "ch1"}, 48000, 12000, 1, 1000, rig.NewMode(rig.ModeLSB), true)

	// Same IF offset, opposite mixer rotation direction: LSB's step phasor
	// is USB's complex conjugate.
	assert.InDelta(t, real(usb.stepPhasor), real(lsb.stepPhasor), 1e-9)
	assert.InDelta(t, imag(usb.stepPhasor), -imag(lsb.stepPhasor), 1e-9)
}

func TestSetModeRebuildsStepPhasorAcrossSidebandChange(t *testing.T) {
	c := newChannel(ChannelConfig{ID: "ch0", OffsetHz: 500}, 48000, 12000, 1, 1000, rig.NewMode(rig.ModeUSB), true)
	usbStep := c.stepPhasor

	c.setMode(rig.NewMode(rig.ModeLSB))
	lsbStep := c.stepPhasor

	assert.False(t, cmplx.Abs(usbStep-lsbStep) < 1e-12, "step phasor must change when crossing the USB/LSB sideband boundary")
	assert.InDelta(t, imag(usbStep), -imag(lsbStep), 1e-9)
}

func TestSidebandSign(t *testing.T) {
	assert.Equal(t, -1.0, sidebandSign(rig.NewMode(rig.ModeLSB)))
	assert.Equal(t, 1.0, sidebandSign(rig.NewMode(rig.ModeUSB)))
	assert.Equal(t, 1.0, sidebandSign(rig.NewMode(rig.ModeFM)))
}
