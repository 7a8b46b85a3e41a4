package models

import "time"

// TaskType names a pre/post/error task implementation.
type TaskType string

const (
	TaskLog    TaskType = "log"
	TaskExec   TaskType = "exec"
	TaskCopy   TaskType = "copy"
	TaskMove   TaskType = "move"
	TaskDelete TaskType = "delete"
	// TaskCompress gzips the file; args name the target directory.
	TaskCompress TaskType = "compress"
)

// Task is one opaque step run around the data phase.
type Task struct {
	Type    TaskType      `mapstructure:"type" json:"type"`
	Args    string        `mapstructure:"args" json:"args"`
	Timeout time.Duration `mapstructure:"timeout" json:"timeout,omitempty"`
}

// Rule describes directories and task lists for transfers that reference it.
type Rule struct {
	ID         string `json:"id"`
	SendPath   string `json:"send_path"`
	RecvPath   string `json:"recv_path"`
	WorkPath   string `json:"work_path"`
	PreTasks   []Task `json:"pre_tasks"`
	PostTasks  []Task `json:"post_tasks"`
	ErrorTasks []Task `json:"error_tasks"`
}

// Host is a known partner and the material used to authenticate it.
type Host struct {
	ID           string `json:"id"`
	Address      string `json:"address"`
	PasswordHash string `json:"password_hash"`
	PublicKey    string `json:"public_key"`
	UpdatedAt    int64  `json:"updated_at"`
}
