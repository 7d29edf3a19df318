package sweep

import (
	"errors"
	"fmt"
)

// CommandType selects the per-host action sequence a sweep performs.
type CommandType int

// ErrCommandTypeUnknown is returned when a command type is not recognized.
var ErrCommandTypeUnknown = errors.New("command type unknown")

const (
	// CommandTypeRunAndCollect executes a command on the host and collects
	// the file it produces.
	CommandTypeRunAndCollect CommandType = 1

	// CommandTypeUploadAndRun pushes a file to the host and executes a
	// follow-up command against it.
	CommandTypeUploadAndRun CommandType = 2

	// CommandTypeCollectOnly collects an existing file from the host.
	CommandTypeCollectOnly CommandType = 3
)

// String returns a human readable name for the command type.
func (ct CommandType) String() string {
	switch ct {
	case CommandTypeRunAndCollect:
		return "run_and_collect"
	case CommandTypeUploadAndRun:
		return "upload_and_run"
	case CommandTypeCollectOnly:
		return "collect_only"
	default:
		return "unknown"
	}
}

// ParseCommandType validates a stored integer command type.
func ParseCommandType(v int) (CommandType, error) {
	switch ct := CommandType(v); ct {
	case CommandTypeRunAndCollect, CommandTypeUploadAndRun, CommandTypeCollectOnly:
		return ct, nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrCommandTypeUnknown, v)
	}
}

// CommandSpec is the stored definition of a sweep command: what to run on
// each host and which file to move in which direction.
type CommandSpec struct {
	id          int64
	commandType CommandType
	command     string
	outputFile  string
	deviceType  string
}

// NewCommandSpec constructs a command spec.
func NewCommandSpec(id int64, commandType CommandType, command, outputFile, deviceType string) *CommandSpec {
	return &CommandSpec{
		id:          id,
		commandType: commandType,
		command:     command,
		outputFile:  outputFile,
		deviceType:  deviceType,
	}
}

// ID returns the command spec identifier.
func (c *CommandSpec) ID() int64 { return c.id }

// Type returns the command type.
func (c *CommandSpec) Type() CommandType { return c.commandType }

// Command returns the command line executed on the host, when the type
// calls for one.
func (c *CommandSpec) Command() string { return c.command }

// OutputFile returns the host-side file path collected after execution.
func (c *CommandSpec) OutputFile() string { return c.outputFile }

// DeviceType returns the operating system family this command targets.
func (c *CommandSpec) DeviceType() string { return c.deviceType }
