package messaging

import (
	"github.com/bytedance/sonic"

	"github.com/bardlex/poolcore/pkg/errors"
)

// BlockEvent announces a new chain tip. Only Hash and Difficulty are
// required; the remaining fields are informational.
type BlockEvent struct {
	Type       string  `json:"type,omitempty"`
	Hash       string  `json:"hash"`
	Height     int64   `json:"height,omitempty"`
	Difficulty float64 `json:"difficulty"`
	Timestamp  int64   `json:"timestamp,omitempty"`
}

// TaskMessage is the published form of a freshly generated job.
// DifficultyTarget carries the job's leading-zero count; Target is the full
// 64-character target hex that stratum servers need for nBits.
type TaskMessage struct {
	JobID            string `json:"job_id"`
	PreviousHash     string `json:"previousHash"`
	MerkleRoot       string `json:"merkleRoot"`
	Timestamp        int64  `json:"timestamp"`
	Nonce            uint32 `json:"nonce"`
	DifficultyTarget int    `json:"difficultyTarget"`
	Target           string `json:"target"`
	Coinbase         string `json:"coinbase"`
}

// EncodeBlockEvent serializes ev.
func EncodeBlockEvent(ev *BlockEvent) ([]byte, error) {
	data, err := sonic.Marshal(ev)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "encode_block_event", "failed to marshal block event")
	}
	return data, nil
}

// DecodeBlockEvent parses a block event. A payload without a hash or with a
// non-positive difficulty is rejected.
func DecodeBlockEvent(data []byte) (*BlockEvent, error) {
	var ev BlockEvent
	if err := sonic.Unmarshal(data, &ev); err != nil {
		return nil, errors.Decode(err, "decode_block_event", "malformed block event")
	}
	if ev.Hash == "" {
		return nil, errors.Decode(nil, "decode_block_event", "block event has no hash")
	}
	if !(ev.Difficulty > 0) {
		return nil, errors.Decode(nil, "decode_block_event", "block event difficulty must be positive").
			WithContext("difficulty", ev.Difficulty)
	}
	return &ev, nil
}

// EncodeTask serializes a task message.
func EncodeTask(task *TaskMessage) ([]byte, error) {
	data, err := sonic.Marshal(task)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "encode_task", "failed to marshal task")
	}
	return data, nil
}

// DecodeTask parses a task message.
func DecodeTask(data []byte) (*TaskMessage, error) {
	var task TaskMessage
	if err := sonic.Unmarshal(data, &task); err != nil {
		return nil, errors.Decode(err, "decode_task", "malformed task message")
	}
	if task.JobID == "" {
		return nil, errors.Decode(nil, "decode_task", "task message has no job id")
	}
	return &task, nil
}
