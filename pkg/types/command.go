package types

import "encoding/json"

// BotCommand is the tagged result of a bot poll: exactly one of run, sleep,
// update, restart or terminate. Concrete types serialize to the wire shape
// {"cmd": "<name>", ...}.
type BotCommand interface {
	CommandName() string
}

// TaskManifest is the payload of a run command: everything the bot needs to
// execute the task and report back.
type TaskManifest struct {
	BotID       string            `json:"bot_id"`
	TaskID      string            `json:"task_id"`
	Commands    [][]string        `json:"commands"`
	Data        []DataRef         `json:"data,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	HardTimeout int               `json:"hard_timeout"`
	IOTimeout   int               `json:"io_timeout"`
}

// CommandRun hands the bot a claimed task.
type CommandRun struct {
	Manifest TaskManifest `json:"manifest"`
}

// CommandSleep tells the bot to back off before polling again.
type CommandSleep struct {
	// Duration is in seconds, server-computed from the bot's sleep streak.
	Duration    float64 `json:"duration"`
	Quarantined bool    `json:"quarantined"`
}

// CommandUpdate reports the bot version the server expects.
type CommandUpdate struct {
	Version string `json:"version"`
}

// CommandRestart asks the bot host to reboot.
type CommandRestart struct {
	Message string `json:"message"`
}

// CommandTerminate is the admin-scheduled bot shutdown sentinel.
type CommandTerminate struct {
	TaskID string `json:"task_id"`
}

func (CommandRun) CommandName() string       { return "run" }
func (CommandSleep) CommandName() string     { return "sleep" }
func (CommandUpdate) CommandName() string    { return "update" }
func (CommandRestart) CommandName() string   { return "restart" }
func (CommandTerminate) CommandName() string { return "terminate" }

func (c CommandRun) MarshalJSON() ([]byte, error) {
	type alias CommandRun
	return marshalCommand(c.CommandName(), alias(c))
}

func (c CommandSleep) MarshalJSON() ([]byte, error) {
	type alias CommandSleep
	return marshalCommand(c.CommandName(), alias(c))
}

func (c CommandUpdate) MarshalJSON() ([]byte, error) {
	type alias CommandUpdate
	return marshalCommand(c.CommandName(), alias(c))
}

func (c CommandRestart) MarshalJSON() ([]byte, error) {
	type alias CommandRestart
	return marshalCommand(c.CommandName(), alias(c))
}

func (c CommandTerminate) MarshalJSON() ([]byte, error) {
	type alias CommandTerminate
	return marshalCommand(c.CommandName(), alias(c))
}

// marshalCommand flattens the payload fields next to the "cmd" discriminator.
func marshalCommand(name string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	tag, err := json.Marshal(name)
	if err != nil {
		return nil, err
	}
	fields["cmd"] = tag
	return json.Marshal(fields)
}
