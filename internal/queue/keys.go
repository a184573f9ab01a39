// Package queue implements the redis task-queue protocol between the
// scheduler and the runners: a shared pending list, per-task body/progress/
// abort keys, and per-runner in-progress and heartbeat markers.
//
// Key layout under a fixed prefix:
//
//	<prefix>:tasks                        pending task ids
//	<prefix>:task:<id>                    serialized task body, TTL'd
//	<prefix>:progress:<id>                status updates, newest first
//	<prefix>:abort:<id>                   abort signal channel
//	<prefix>:runner:<rid>:in-progress     task ids the runner holds
//	<prefix>:runner:<rid>:heartbeat       unix timestamp of last heartbeat
package queue

import "fmt"

const DefaultPrefix = "judge"

// Keys derives the protocol's redis keys from a prefix.
type Keys struct {
	Prefix string
}

func NewKeys(prefix string) Keys {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return Keys{Prefix: prefix}
}

func (k Keys) Tasks() string {
	return k.Prefix + ":tasks"
}

func (k Keys) Task(taskID string) string {
	return fmt.Sprintf("%s:task:%s", k.Prefix, taskID)
}

func (k Keys) Progress(taskID string) string {
	return fmt.Sprintf("%s:progress:%s", k.Prefix, taskID)
}

func (k Keys) Abort(taskID string) string {
	return fmt.Sprintf("%s:abort:%s", k.Prefix, taskID)
}

func (k Keys) InProgress(runnerID string) string {
	return fmt.Sprintf("%s:runner:%s:in-progress", k.Prefix, runnerID)
}

func (k Keys) Heartbeat(runnerID string) string {
	return fmt.Sprintf("%s:runner:%s:heartbeat", k.Prefix, runnerID)
}
