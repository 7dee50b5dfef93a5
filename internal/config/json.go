package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// durationJSON mirrors the {secs, nanos} wire shape the control plane
// exchanges with clients, rather than Go's usual nanosecond integer.
type durationJSON struct {
	Secs  int64 `json:"secs"`
	Nanos int64 `json:"nanos"`
}

func durationToJSON(d time.Duration) durationJSON {
	return durationJSON{
		Secs:  int64(d / time.Second),
		Nanos: int64(d % time.Second),
	}
}

func (d durationJSON) toDuration() time.Duration {
	return time.Duration(d.Secs)*time.Second + time.Duration(d.Nanos)
}

func (s Speed) MarshalJSON() ([]byte, error) {
	if s.passThrough {
		return json.Marshal("PassThrough")
	}
	return json.Marshal(struct {
		Bps uint64 `json:"Bps"`
	}{Bps: s.bps})
}

func (s *Speed) UnmarshalJSON(data []byte) error {
	var asString string
	if err := json.Unmarshal(data, &asString); err == nil {
		if asString != "PassThrough" {
			return fmt.Errorf("config: invalid speed %q", asString)
		}
		*s = PassThroughSpeed()
		return nil
	}

	var asObject struct {
		Bps uint64 `json:"Bps"`
	}
	if err := json.Unmarshal(data, &asObject); err != nil {
		return fmt.Errorf("config: invalid speed: %w", err)
	}
	*s = BpsSpeed(asObject.Bps)
	return nil
}

func (o Operation) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.String())
}

func (o *Operation) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseOperation(s)
	if err != nil {
		return err
	}
	*o = parsed
	return nil
}

func (c Condition) MarshalJSON() ([]byte, error) {
	switch {
	case c.Always != nil:
		return json.Marshal(struct {
			Always string `json:"Always"`
		}{Always: c.Always.String()})
	case c.Periodic != nil:
		return json.Marshal(struct {
			Periodic struct {
				Duration  durationJSON `json:"duration"`
				Frequency durationJSON `json:"frequency"`
			} `json:"Periodic"`
		}{
			Periodic: struct {
				Duration  durationJSON `json:"duration"`
				Frequency durationJSON `json:"frequency"`
			}{
				Duration:  durationToJSON(c.Periodic.Duration),
				Frequency: durationToJSON(c.Periodic.Frequency),
			},
		})
	default:
		return nil, fmt.Errorf("config: condition has neither Always nor Periodic set")
	}
}

func (c *Condition) UnmarshalJSON(data []byte) error {
	var asAlways struct {
		Always *string `json:"Always"`
	}
	if err := json.Unmarshal(data, &asAlways); err == nil && asAlways.Always != nil {
		mode, err := ParseMode(*asAlways.Always)
		if err != nil {
			return err
		}
		*c = AlwaysCondition(mode)
		return nil
	}

	var asPeriodic struct {
		Periodic *struct {
			Duration  durationJSON `json:"duration"`
			Frequency durationJSON `json:"frequency"`
		} `json:"Periodic"`
	}
	if err := json.Unmarshal(data, &asPeriodic); err != nil {
		return fmt.Errorf("config: invalid condition: %w", err)
	}
	if asPeriodic.Periodic == nil {
		return fmt.Errorf("config: condition has neither Always nor Periodic set")
	}
	*c = PeriodicCondition(asPeriodic.Periodic.Duration.toDuration(), asPeriodic.Periodic.Frequency.toDuration())
	return nil
}
