package queue

import "fmt"

// Key layout under a prefix (default "agentforge:queue"):
//
//	{prefix}:jobs          hash   job id -> job JSON
//	{prefix}:waitscore     hash   job id -> waiting score
//	{prefix}:waiting       zset   ready jobs, score = -priority*1e13 + runAt ms
//	{prefix}:delayed       zset   future jobs, score = runAt ms
//	{prefix}:active        zset   dequeued jobs, score = dequeue ms
//	{prefix}:repeat        hash   job id -> RepeatRule JSON
//	{prefix}:completed     string cumulative counter
//	{prefix}:failed        string cumulative counter
//	{prefix}:failed:log    list   most recent failures
//	{prefix}:task:{taskID} set    job ids owned by a task
type keys struct {
	prefix string
}

const DefaultKeyPrefix = "agentforge:queue"

func (k keys) jobs() string      { return k.prefix + ":jobs" }
func (k keys) waitScore() string { return k.prefix + ":waitscore" }
func (k keys) waiting() string   { return k.prefix + ":waiting" }
func (k keys) delayed() string   { return k.prefix + ":delayed" }
func (k keys) active() string    { return k.prefix + ":active" }
func (k keys) repeat() string    { return k.prefix + ":repeat" }
func (k keys) completed() string { return k.prefix + ":completed" }
func (k keys) failed() string    { return k.prefix + ":failed" }
func (k keys) failedLog() string { return k.prefix + ":failed:log" }

func (k keys) task(taskID string) string {
	return fmt.Sprintf("%s:task:%s", k.prefix, taskID)
}
