package report

import "fmt"

// Profile is a solder reflow profile. Temperatures are in °C, times in seconds.
type Profile struct {
	PreheatTemp uint8 `yaml:"preheat_temp" json:"preheat_temp"`
	SoakTemp    uint8 `yaml:"soak_temp" json:"soak_temp"`
	SoakTime    uint8 `yaml:"soak_time" json:"soak_time"`
	ReflowTemp  uint8 `yaml:"reflow_temp" json:"reflow_temp"`
	ReflowTime  uint8 `yaml:"reflow_time" json:"reflow_time"`
	CoolingTemp uint8 `yaml:"cooling_temp" json:"cooling_temp"`
	BakeTemp    uint8 `yaml:"bake_temp" json:"bake_temp"`
}

// DefaultProfile is a leaded-solder profile.
var DefaultProfile = Profile{
	PreheatTemp: 100,
	SoakTemp:    150,
	SoakTime:    90,
	ReflowTemp:  230,
	ReflowTime:  40,
	CoolingTemp: 60,
	BakeTemp:    100,
}

// ProfileError describes a profile that makes no thermal sense.
type ProfileError struct {
	Field  string
	Reason string
}

func (e *ProfileError) Error() string {
	return fmt.Sprintf("invalid profile: %s %s", e.Field, e.Reason)
}

// Validate checks the ordering constraints the controller relies on.
func (p Profile) Validate() error {
	switch {
	case p.PreheatTemp > p.SoakTemp:
		return &ProfileError{Field: "preheat_temp", Reason: "is above soak_temp"}
	case p.SoakTemp >= p.ReflowTemp:
		return &ProfileError{Field: "soak_temp", Reason: "must be below reflow_temp"}
	case p.CoolingTemp >= p.ReflowTemp:
		return &ProfileError{Field: "cooling_temp", Reason: "must be below reflow_temp"}
	case p.SoakTime == 0:
		return &ProfileError{Field: "soak_time", Reason: "must be positive"}
	case p.ReflowTime == 0:
		return &ProfileError{Field: "reflow_time", Reason: "must be positive"}
	}
	return nil
}

// Payload returns the UPLOAD_PROFILE payload, seven bytes in field order.
func (p Profile) Payload() []byte {
	return []byte{
		p.PreheatTemp,
		p.SoakTemp,
		p.SoakTime,
		p.ReflowTemp,
		p.ReflowTime,
		p.CoolingTemp,
		p.BakeTemp,
	}
}

// ProfileFromPayload is the inverse of Payload.
func ProfileFromPayload(b []byte) (Profile, error) {
	if len(b) < MaxPayload {
		return Profile{}, fmt.Errorf("profile payload too short: %d bytes", len(b))
	}
	return Profile{
		PreheatTemp: b[0],
		SoakTemp:    b[1],
		SoakTime:    b[2],
		ReflowTemp:  b[3],
		ReflowTime:  b[4],
		CoolingTemp: b[5],
		BakeTemp:    b[6],
	}, nil
}

// PIDGainsFromPayload is the inverse of PIDGains.Payload.
func PIDGainsFromPayload(b []byte) (PIDGains, error) {
	if len(b) < 4 {
		return PIDGains{}, fmt.Errorf("pid payload too short: %d bytes", len(b))
	}
	return PIDGains{Kp: b[0], Ki: b[1], Kd: b[2], CycleTime: b[3]}, nil
}
