package reveal

import "fmt"

// Validate checks every range of cfg against the transcript lengths and the
// ranges the engine authenticated. A range must sit inside one merged
// authenticated range.
func Validate(cfg Config, sentLen, recvLen int, sentAuthed, recvAuthed []Range) error {
	if err := validateSide("sent", cfg.Sent, sentLen, Merge(sentAuthed)); err != nil {
		return err
	}
	return validateSide("recv", cfg.Recv, recvLen, Merge(recvAuthed))
}

func validateSide(dir string, rs []RangeWithHandler, n int, authed []Range) error {
	for _, r := range rs {
		if err := r.Handler.Check(); err != nil {
			return fmt.Errorf("%s range %s: %w", dir, r.Range(), err)
		}
		if r.Start < 0 || r.End > n || r.Start >= r.End {
			return fmt.Errorf("%s range %s outside transcript of %d bytes", dir, r.Range(), n)
		}
		if r.Handler.Action == ActionPedersen {
			continue
		}
		if !covered(r.Range(), authed) {
			return fmt.Errorf("%s range %s not within authenticated ranges", dir, r.Range())
		}
	}
	return nil
}

func covered(r Range, authed []Range) bool {
	for _, a := range authed {
		if a.Start <= r.Start && r.End <= a.End {
			return true
		}
	}
	return false
}

// Results reads the revealed value of every range. Out of bounds ranges and
// committed (not revealed) ranges are skipped.
func Results(t Transcript, cfg Config) []Result {
	out := make([]Result, 0, len(cfg.Sent)+len(cfg.Recv))
	add := func(rs []RangeWithHandler, buf []byte) {
		for _, r := range rs {
			if r.Handler.Action == ActionPedersen || r.Start < 0 || r.End > len(buf) || r.Start >= r.End {
				continue
			}
			out = append(out, Result{Type: r.Handler.Type, Part: r.Handler.Part, Value: string(buf[r.Start:r.End])})
		}
	}
	add(cfg.Sent, t.Sent)
	add(cfg.Recv, t.Recv)
	return out
}
