package scheduler

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const TaskOutboundReplyJob = "messaging.reply.process"

type ReplyJobPayload struct {
	JobID string `json:"jobId"`
}

func NewReplyJobTask(payload ReplyJobPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskOutboundReplyJob, data), nil
}

func ParseReplyJobPayload(task *asynq.Task) (ReplyJobPayload, error) {
	var payload ReplyJobPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return ReplyJobPayload{}, err
	}
	return payload, nil
}
