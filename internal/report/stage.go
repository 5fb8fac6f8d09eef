package report

import "fmt"

// Stage is the thermal stage code reported in byte 1 of an input report.
type Stage byte

const (
	StageWaiting Stage = 0x00
	StagePreheat Stage = 0x01
	StageSoak    Stage = 0x02
	StageHeating Stage = 0x03
	StageReflow  Stage = 0x04
	StageCooling Stage = 0x05
	StageBake    Stage = 0x06
)

var stageNames = map[Stage]string{
	StageWaiting: "WAITING",
	StagePreheat: "PREHEAT",
	StageSoak:    "SOAK",
	StageHeating: "HEATING",
	StageReflow:  "REFLOW",
	StageCooling: "COOLING",
	StageBake:    "BAKE",
}

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", byte(s))
}

// Valid reports whether s is a known stage code.
func (s Stage) Valid() bool {
	_, ok := stageNames[s]
	return ok
}

// Active is true while the controller is running a profile.
// Unknown codes count as active: the controller is doing something.
func (s Stage) Active() bool {
	return s != StageWaiting
}

// ParseStage is the inverse of String for known stages.
func ParseStage(name string) (Stage, error) {
	for s, n := range stageNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown stage %q", name)
}
