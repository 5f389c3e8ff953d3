package redis

// Redis key naming conventions for stride data.
// All keys are prefixed with "stride:" to avoid collisions.

const keyPrefix = "stride:"

// ── Scheduler job keys ──

// jobKey returns the key for a job entity: stride:job:{id}
func jobKey(id string) string { return keyPrefix + "job:" + id }

// jobIDsKey is the Set tracking all job IDs for enumeration.
const jobIDsKey = keyPrefix + "job_ids"

// dueKey is the Sorted Set of armed jobs scored by NextRun (unix ms).
const dueKey = keyPrefix + "due"

// ── Task keys ──

// taskKey returns the key for a task entity: stride:task:{id}
func taskKey(id string) string { return keyPrefix + "task:" + id }

// readyKey returns the ready Sorted Set for a queue: stride:ready:{name}
func readyKey(name string) string { return keyPrefix + "ready:" + name }

// delayedKey returns the delayed Sorted Set for a queue: stride:delayed:{name}
func delayedKey(name string) string { return keyPrefix + "delayed:" + name }

// dedupKey returns the reservation key for a dedup key in a queue.
func dedupKey(queue, key string) string {
	return keyPrefix + "dedup:" + queue + ":" + key
}

// dlqKey returns the dead letter List for a queue: stride:dlq:{name}
func dlqKey(name string) string { return keyPrefix + "dlq:" + name }

// progressKey returns the progress record key for a task.
func progressKey(taskID string) string { return keyPrefix + "progress:" + taskID }

// ── Lock keys ──

// lockKey returns the key for a named distributed lock.
func lockKey(resource string) string { return keyPrefix + "lock:" + resource }

// ── Worker health keys ──

// healthKey returns the key for a worker health record.
func healthKey(workerID string) string { return keyPrefix + "health:" + workerID }

// healthIDsKey is the Set tracking worker IDs with health records.
const healthIDsKey = keyPrefix + "health_ids"
