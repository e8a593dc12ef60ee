package watch

import (
	"strings"
	"time"
)

// Pulse shows stream activity as a row of dots that light up on each event
// and fade over ten seconds.
type Pulse struct {
	lit       int
	lastEvent time.Time
}

const pulseWidth = 5

func (p *Pulse) OnEvent(now time.Time) {
	p.lit = pulseWidth
	p.lastEvent = now
}

// Decay dims one dot per two seconds of silence.
func (p *Pulse) Decay(now time.Time) {
	if p.lit == 0 {
		return
	}
	left := pulseWidth - int(now.Sub(p.lastEvent)/(2*time.Second))
	if left < 0 {
		left = 0
	}
	if left < p.lit {
		p.lit = left
	}
}

func (p Pulse) Render(theme Theme) string {
	var b strings.Builder
	for i := range pulseWidth {
		if i < p.lit {
			b.WriteString(theme.PulseOn.Render("●"))
		} else {
			b.WriteString(theme.PulseOff.Render("○"))
		}
	}
	return b.String()
}

func (p Pulse) LastEvent() time.Time {
	return p.lastEvent
}
