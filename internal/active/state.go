package active

import "slices"

// SwitchState tracks where a thread switch currently is. The sequence for
// a successful switch is Resolving, Leaving, Loading, Joining, Ready; any
// step may drop to Failed, which retries the whole switch.
type SwitchState string

const (
	Idle      SwitchState = "IDLE"
	Resolving SwitchState = "RESOLVING"
	Leaving   SwitchState = "LEAVING"
	Loading   SwitchState = "LOADING"
	Joining   SwitchState = "JOINING"
	Ready     SwitchState = "READY"
	Failed    SwitchState = "FAILED"
)

// A superseding switch may abandon the sequence at any step, so every
// mid-sequence state also allows going back to Resolving.
var validSwitchTransitions = map[SwitchState][]SwitchState{
	Idle:      {Resolving},
	Resolving: {Leaving, Failed},
	Leaving:   {Loading, Failed, Resolving},
	Loading:   {Joining, Failed, Resolving},
	Joining:   {Ready, Failed, Resolving},
	Ready:     {Resolving},
	Failed:    {Resolving, Idle},
}

func switchAllowed(from, to SwitchState) bool {
	return to == from || slices.Contains(validSwitchTransitions[from], to)
}
