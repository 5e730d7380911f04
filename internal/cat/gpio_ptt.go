package cat

import (
	"fmt"

	"github.com/warthog618/go-gpiocdev"

	"github.com/n0call/trx-rs-go/internal/rig"
)

// GpioPtt keys PTT via a GPIO line instead of a CAT command, the common
// pattern for simple rigs/amplifiers wired directly to a host GPIO header.
type GpioPtt struct {
	line *gpiocdev.Line
}

// NewGpioPtt requests offset as an output line on chip (e.g. "gpiochip0"),
// initially de-asserted.
func NewGpioPtt(chip string, offset int) (*GpioPtt, error) {
	line, err := gpiocdev.RequestLine(chip, offset, gpiocdev.AsOutput(0))
	if err != nil {
		return nil, fmt.Errorf("cat: request gpio line %s:%d: %w", chip, offset, err)
	}
	return &GpioPtt{line: line}, nil
}

func (g *GpioPtt) SetPtt(on bool) error {
	v := 0
	if on {
		v = 1
	}
	if err := g.line.SetValue(v); err != nil {
		return rig.NewTransientError("cat: gpio ptt: %v", err)
	}
	return nil
}

func (g *GpioPtt) Close() error { return g.line.Close() }
