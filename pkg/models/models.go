package models

// DataPoint describes one sensor exposed by the OWZ appliance. ID is the
// plantItemId understood by the remote API, Name and Help feed the
// corresponding Prometheus gauge.
type DataPoint struct {
	ID   int    `koanf:"id"`
	Name string `koanf:"name"`
	Help string `koanf:"help"`
}

// CycleResult is the outcome of one poll cycle.
type CycleResult struct {
	Attempted  int
	Failed     int
	AuthFailed bool
}
