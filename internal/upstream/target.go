// Package upstream talks to the external health-record provider: one JSON
// envelope endpoint per fetch target, with bounded retry on transient
// failures.
package upstream

// Target is one fetchable dataset at the provider.
type Target string

const (
	TargetMedical         Target = "medical"
	TargetMedication      Target = "medication"
	TargetCheckupOverview Target = "checkupOverview"
	TargetCheckupList     Target = "checkupList"
	TargetCheckupYearly   Target = "checkupYearly"
	TargetHealthAge       Target = "healthAge"
)

// payloadShape selects which request body an endpoint expects.
type payloadShape int

const (
	shapeBase payloadShape = iota
	shapeDetail
)

type endpointSpec struct {
	path  string
	shape payloadShape
}

// endpointTable maps every target to its provider endpoint. Adding a target
// means adding exactly one row here.
var endpointTable = map[Target]endpointSpec{
	TargetMedical:         {path: "/in0002000970", shape: shapeDetail},
	TargetMedication:      {path: "/in0002000971", shape: shapeDetail},
	TargetCheckupList:     {path: "/in0002000977", shape: shapeBase},
	TargetCheckupYearly:   {path: "/in0002000978", shape: shapeBase},
	TargetCheckupOverview: {path: "/in0002000981", shape: shapeBase},
	TargetHealthAge:       {path: "/in0002000982", shape: shapeBase},
}

// AllTargets returns every known target in declaration order.
func AllTargets() []Target {
	return []Target{
		TargetMedical,
		TargetMedication,
		TargetCheckupOverview,
		TargetCheckupList,
		TargetCheckupYearly,
		TargetHealthAge,
	}
}

// DefaultTargets is the summary set used when a request names none.
func DefaultTargets() []Target {
	return []Target{TargetMedical, TargetCheckupOverview, TargetHealthAge}
}

func ParseTarget(s string) (Target, bool) {
	t := Target(s)
	_, ok := endpointTable[t]
	return t, ok
}

func EndpointPath(t Target) (string, bool) {
	spec, ok := endpointTable[t]
	return spec.path, ok
}
