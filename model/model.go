package model

import (
	"time"

	"github.com/google/uuid"
)

type Platform string

const (
	PlatformWhatsApp Platform = "whatsapp"
	PlatformTelegram Platform = "telegram"
)

func (p Platform) Valid() bool {
	return p == PlatformWhatsApp || p == PlatformTelegram
}

type Method string

const (
	MethodBasic Method = "basic"
	MethodDeep  Method = "deep"
)

type WorkerStatus string

const (
	WorkerProvisioning WorkerStatus = "provisioning"
	WorkerActive       WorkerStatus = "active"
	WorkerLoggedOut    WorkerStatus = "logged_out"
	WorkerRateLimited  WorkerStatus = "rate_limited"
	WorkerError        WorkerStatus = "error"
	WorkerBanned       WorkerStatus = "banned"
	WorkerDestroyed    WorkerStatus = "destroyed"
)

// Proxy is the egress route a worker's runtime is pinned to. All session
// traffic leaves through it, never through the host network.
type Proxy struct {
	Scheme   string `db:"proxy_scheme" json:"scheme"`
	Host     string `db:"proxy_host" json:"host"`
	Port     int    `db:"proxy_port" json:"port"`
	Username string `db:"proxy_username" json:"username,omitempty"`
	Password string `db:"proxy_password" json:"-"`
}

// Fingerprint is the device identity a worker presents to the platform.
// The tuple must be unique per platform among live workers.
type Fingerprint struct {
	Device   string `db:"fp_device" json:"device"`
	Locale   string `db:"fp_locale" json:"locale"`
	Timezone string `db:"fp_timezone" json:"timezone"`
}

// Worker is a registered platform account backed by its own runtime.
type Worker struct {
	ID                  uuid.UUID    `db:"id" json:"id"`
	Platform            Platform     `db:"platform" json:"platform"`
	Phone               string       `db:"phone" json:"phone"`
	Status              WorkerStatus `db:"status" json:"status"`
	Proxy               Proxy        `json:"proxy"`
	Fingerprint         Fingerprint  `json:"fingerprint"`
	SessionRef          string       `db:"session_ref" json:"sessionRef,omitempty"`
	DailyLimit          int          `db:"daily_limit" json:"dailyLimit"`
	UsedToday           int          `db:"used_today" json:"usedToday"`
	LastUsedAt          *time.Time   `db:"last_used_at" json:"lastUsedAt,omitempty"`
	ConsecutiveFailures int          `db:"consecutive_failures" json:"consecutiveFailures"`
	CreatedAt           *time.Time   `db:"created_at" json:"createdAt"`
	UpdatedAt           *time.Time   `db:"updated_at" json:"updatedAt"`
}

// Dispatchable reports whether the worker may receive validation traffic at
// all. Quota and burst gating happen elsewhere.
func (w *Worker) Dispatchable() bool {
	return w.Status == WorkerActive
}

func (w *Worker) QuotaRemaining() int {
	if w.UsedToday >= w.DailyLimit {
		return 0
	}
	return w.DailyLimit - w.UsedToday
}

// WorkerRequest is the admin payload for registering a new worker account.
// Proxy.Password never crosses JSON, so the credential rides in its own
// write-only field.
type WorkerRequest struct {
	Platform      Platform    `json:"platform"`
	Phone         string      `json:"phone"`
	SessionRef    string      `json:"sessionRef"`
	Proxy         Proxy       `json:"proxy"`
	ProxyPassword string      `json:"proxyPassword,omitempty"`
	Fingerprint   Fingerprint `json:"fingerprint"`
	DailyLimit    int         `json:"dailyLimit"`
}

// WorkerPatch is a partial admin edit. Nil fields are left untouched. A proxy
// replacement drops the stored credential unless ProxyPassword comes with it.
type WorkerPatch struct {
	DailyLimit    *int          `json:"dailyLimit,omitempty"`
	Proxy         *Proxy        `json:"proxy,omitempty"`
	ProxyPassword *string       `json:"proxyPassword,omitempty"`
	SessionRef    *string       `json:"sessionRef,omitempty"`
	Status        *WorkerStatus `json:"status,omitempty"`
}

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// Job represents a bulk validation request stored in the database.
type Job struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	Owner          string     `db:"owner" json:"owner"`
	Platforms      []Platform `db:"platforms" json:"platforms"`
	Method         Method     `db:"method" json:"method"`
	Status         JobStatus  `db:"status" json:"status"`
	TotalCount     int        `db:"total_count" json:"totalCount"`
	CompletedCount int        `db:"completed_count" json:"completedCount"`
	SucceededCount int        `db:"succeeded_count" json:"succeededCount"`
	ArtifactPath   string     `db:"artifact_path" json:"artifactPath,omitempty"`
	CreatedAt      *time.Time `db:"created_at" json:"createdAt"`
	FinishedAt     *time.Time `db:"finished_at" json:"finishedAt,omitempty"`
}

// Finished reports whether the job reached a terminal status.
func (j *Job) Finished() bool {
	return j.Status == JobCompleted || j.Status == JobFailed || j.Status == JobCancelled
}

// JobRequest is the incoming API payload before DB persistence.
type JobRequest struct {
	Owner     string     `json:"owner"`
	Numbers   []string   `json:"numbers"`
	Platforms []Platform `json:"platforms"`
	Method    Method     `json:"method"`
}

type TaskState string

const (
	TaskPending  TaskState = "pending"
	TaskInflight TaskState = "inflight"
	TaskSettled  TaskState = "settled"
)

type OutcomeStatus string

const (
	OutcomeRegistered   OutcomeStatus = "registered"
	OutcomeUnregistered OutcomeStatus = "unregistered"
	OutcomeUnknown      OutcomeStatus = "unknown"
	OutcomeError        OutcomeStatus = "error"
)

// Outcome is the terminal result of one (number, platform) check.
type Outcome struct {
	Status    OutcomeStatus `db:"outcome_status" json:"status"`
	Detail    string        `db:"outcome_detail" json:"detail,omitempty"`
	CheckedBy uuid.UUID     `db:"checked_by" json:"checkedBy"`
	CheckedAt *time.Time    `db:"checked_at" json:"checkedAt"`
}

// Task is one (number, platform) unit of a job. Index is the flat position
// in the job's results array: numberIdx*len(platforms)+platformIdx, so
// output order never depends on completion order.
type Task struct {
	JobID            uuid.UUID  `db:"job_id" json:"jobId"`
	Index            int        `db:"idx" json:"index"`
	Number           string     `db:"number" json:"number"`
	Platform         Platform   `db:"platform" json:"platform"`
	State            TaskState  `db:"state" json:"state"`
	AttemptCount     int        `db:"attempt_count" json:"attemptCount"`
	AssignedWorkerID *uuid.UUID `db:"assigned_worker_id" json:"assignedWorkerId,omitempty"`
	LastWorkerID     *uuid.UUID `db:"last_worker_id" json:"lastWorkerId,omitempty"`
	Outcome          *Outcome   `json:"outcome,omitempty"`
	SettledAt        *time.Time `db:"settled_at" json:"settledAt,omitempty"`
}

// Result is the per-number view returned by the results endpoint and written
// to the completion artifact, in submission order.
type Result struct {
	Index     int           `json:"index"`
	Number    string        `json:"number"`
	Platform  Platform      `json:"platform"`
	Status    OutcomeStatus `json:"status"`
	Detail    string        `json:"detail,omitempty"`
	CheckedBy string        `json:"checkedBy,omitempty"`
	CheckedAt *time.Time    `json:"checkedAt,omitempty"`
}

type SessionStatus string

const (
	SessionConnected SessionStatus = "connected"
	SessionDegraded  SessionStatus = "degraded"
	SessionLoggedOut SessionStatus = "logged_out"
)

// ProbeRequest is the agent-side validate payload.
type ProbeRequest struct {
	Number string `json:"number"`
	Method Method `json:"method"`
}

// ProbeResult is the agent-side validate response.
type ProbeResult struct {
	Status OutcomeStatus `json:"status"`
	Detail string        `json:"detail,omitempty"`
}

type ProbeHealth struct {
	Status SessionStatus `json:"status"`
}

// LaunchOptions carries everything a runtime driver needs to create a
// worker's container. RunDir is bind-mounted into the container and holds the
// agent's unix socket when the transport is UDS.
type LaunchOptions struct {
	Name        string
	Image       string
	CPUQuota    int64
	MemoryLimit int64
	PidsLimit   int64
	Network     string
	Env         map[string]string
	Labels      map[string]string
	RunDir      string
}

// JobEvent is the queue payload for job lifecycle subjects. TraceParent
// carries the submitting request's trace context across the broker.
type JobEvent struct {
	JobID       string  `json:"jobId"`
	TraceParent string  `json:"traceParent,omitempty"`
	TraceState  *string `json:"traceState,omitempty"`
}

// WorkerEvent is the queue payload for worker lifecycle subjects.
type WorkerEvent struct {
	WorkerID    string  `json:"workerId"`
	TraceParent string  `json:"traceParent,omitempty"`
	TraceState  *string `json:"traceState,omitempty"`
}
