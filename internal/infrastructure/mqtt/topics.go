package mqtt

import "fmt"

// Topic prefixes for the Runlet MQTT surface.
//
// All topics live under a single flat root:
//
//	runlet/process/{id}/...   per-process lifecycle and output
//	runlet/system/...         daemon-level status
const (
	// TopicPrefix is the root of all Runlet topics.
	TopicPrefix = "runlet"

	// TopicPrefixProcess is the base for per-process topics.
	TopicPrefixProcess = "runlet/process"

	// TopicPrefixSystem is the base for system topics.
	TopicPrefixSystem = "runlet/system"
)

// Topics provides builders for Runlet MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topics := mqtt.Topics{}
//	stateTopic := topics.ProcessState("2f1c...")
//	// Returns: "runlet/process/2f1c.../state"
type Topics struct{}

// ProcessState returns the topic carrying lifecycle snapshots for a process.
// Published retained so late subscribers see the latest state.
//
// Example: runlet/process/2f1c8a/state
func (Topics) ProcessState(id string) string {
	return fmt.Sprintf("%s/%s/state", TopicPrefixProcess, id)
}

// ProcessOutput returns the topic carrying output chunks for a process.
// Not retained; subscribers only see output produced while subscribed.
//
// Example: runlet/process/2f1c8a/output
func (Topics) ProcessOutput(id string) string {
	return fmt.Sprintf("%s/%s/output", TopicPrefixProcess, id)
}

// SystemStatus returns the daemon status topic, also used as the LWT target.
//
// Example: runlet/system/status
func (Topics) SystemStatus() string {
	return fmt.Sprintf("%s/status", TopicPrefixSystem)
}

// SystemShutdown returns the topic that requests a graceful daemon shutdown.
//
// Example: runlet/system/shutdown
func (Topics) SystemShutdown() string {
	return fmt.Sprintf("%s/shutdown", TopicPrefixSystem)
}

// AllProcessStates returns a pattern matching every process state topic.
//
// Pattern: runlet/process/+/state
func (Topics) AllProcessStates() string {
	return fmt.Sprintf("%s/+/state", TopicPrefixProcess)
}

// AllProcessOutput returns a pattern matching every process output topic.
//
// Pattern: runlet/process/+/output
func (Topics) AllProcessOutput() string {
	return fmt.Sprintf("%s/+/output", TopicPrefixProcess)
}

// AllTopics returns a pattern matching all Runlet topics.
// Use with caution - this receives ALL traffic.
//
// Pattern: runlet/#
func (Topics) AllTopics() string {
	return "runlet/#"
}
