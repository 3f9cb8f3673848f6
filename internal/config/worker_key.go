package config

// WorkerKeyStruct names the Redis queues drained by background workers.
type WorkerKeyStruct struct {
	TeardownSubmitQueue string
}

var WorkerKey = &WorkerKeyStruct{
	TeardownSubmitQueue: "teardown_submit_queue",
}
