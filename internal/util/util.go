package util

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/opencontainers/runtime-spec/specs-go"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

func LoadSeccomp(path string) (*specs.LinuxSeccomp, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var seccomp specs.LinuxSeccomp
	if err := json.Unmarshal(b, &seccomp); err != nil {
		return nil, err
	}
	return &seccomp, nil
}

func GetResultsPath(jobID string) string {
	return fmt.Sprintf("jobs/results/%s.json", jobID)
}

func GetSessionPath(workerID string) string {
	return fmt.Sprintf("sessions/%s.json", workerID)
}

func RecordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func GetJobKey(id string) string {
	return fmt.Sprintf("job:%s", id)
}

func GetWorkerKey(id string) string {
	return fmt.Sprintf("worker:%s", id)
}

func GetResultsKey(jobID string) string {
	return fmt.Sprintf("results:%s", jobID)
}
