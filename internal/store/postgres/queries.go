package postgres

const scheduleColumns = `
    id, workflow_id, parameters, next_execution, last_execution,
    interval_seconds, priority, is_active, failure_count, last_error`

const queryListDueSchedules = `
SELECT` + scheduleColumns + `
FROM workflow_schedules
WHERE is_active
  AND next_execution <= $1
ORDER BY priority DESC, next_execution ASC, id ASC
LIMIT $2 OFFSET $3
`

const queryListSchedules = `
SELECT` + scheduleColumns + `
FROM workflow_schedules
ORDER BY priority DESC, next_execution ASC, id ASC
LIMIT $1 OFFSET $2
`

const queryGetSchedule = `
SELECT` + scheduleColumns + `
FROM workflow_schedules
WHERE id = $1
`

// The claim is a compare-and-swap on next_execution: only the invocation that
// read the current value wins.
const queryClaimSchedule = `
UPDATE workflow_schedules
SET next_execution = $3, updated_at = $4
WHERE id = $1
  AND next_execution = $2
  AND is_active
`

const queryCompleteSchedule = `
UPDATE workflow_schedules
SET last_execution = $3,
    next_execution = $4,
    failure_count = 0,
    last_error = NULL,
    updated_at = $3
WHERE id = $1
  AND next_execution = $2
`

const queryReleaseSchedule = `
UPDATE workflow_schedules
SET next_execution = $3,
    failure_count = failure_count + 1,
    last_error = $4,
    is_active = CASE
        WHEN $5::int > 0 AND failure_count + 1 >= $5::int THEN FALSE
        ELSE is_active
    END,
    updated_at = $6
WHERE id = $1
  AND next_execution = $2
RETURNING is_active
`

const queryDeactivateSchedule = `
UPDATE workflow_schedules
SET is_active = FALSE, updated_at = $2
WHERE id = $1
`

const executionColumns = `
    id, workflow_id, execution_id, status, input_data, result_data, executed_at, updated_at`

const queryInsertExecution = `
INSERT INTO workflow_executions (
    id, workflow_id, execution_id, status, input_data, result_data, executed_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (execution_id) DO NOTHING
`

const queryGetExecution = `
SELECT` + executionColumns + `
FROM workflow_executions
WHERE execution_id = $1
`

const queryFillExecutionInput = `
UPDATE workflow_executions
SET input_data = $3
WHERE execution_id = $1
  AND workflow_id = $2
  AND input_data IS NULL
`

// Status only moves forward: the conflict branch applies while the stored
// row is still running and belongs to the same workflow.
const queryUpsertExecutionStatus = `
INSERT INTO workflow_executions (
    id, workflow_id, execution_id, status, input_data, result_data, executed_at, updated_at)
VALUES ($1, $2, $3, $4, NULL, $5, $6, $6)
ON CONFLICT (execution_id) DO UPDATE
SET status = EXCLUDED.status,
    result_data = COALESCE(EXCLUDED.result_data, workflow_executions.result_data),
    updated_at = EXCLUDED.updated_at
WHERE workflow_executions.status = 'running'
  AND workflow_executions.workflow_id = EXCLUDED.workflow_id
`

const queryListStaleExecutions = `
SELECT` + executionColumns + `
FROM workflow_executions
WHERE status = 'running'
  AND updated_at < $1
ORDER BY updated_at ASC
LIMIT $2
`

const queryAcquireLease = `
INSERT INTO locks (id, acquired_at, released_at)
VALUES ($1, $2, NULL)
ON CONFLICT (id) DO UPDATE
SET acquired_at = EXCLUDED.acquired_at,
    released_at = NULL
WHERE locks.released_at IS NOT NULL
   OR locks.acquired_at <= $3
RETURNING id
`

const queryReleaseLease = `
UPDATE locks
SET released_at = $2
WHERE id = $1
  AND released_at IS NULL
`

const queryReleaseLeaseFenced = `
UPDATE locks
SET released_at = $2
WHERE id = $1
  AND released_at IS NULL
  AND acquired_at = $3
`

const queryGetLease = `
SELECT id, acquired_at, released_at
FROM locks
WHERE id = $1
`

const queryInsertTask = `
INSERT INTO workflow_tasks (id, workflow_id, parameters, schedule_id, status, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
`

const queryClaimTask = `
UPDATE workflow_tasks
SET status = 'processing', claimed_at = $1
WHERE id = (
    SELECT id FROM workflow_tasks
    WHERE status = 'pending'
    ORDER BY created_at ASC, id ASC
    LIMIT 1
    FOR UPDATE SKIP LOCKED
)
RETURNING id, workflow_id, parameters, schedule_id, status, created_at, claimed_at
`

const queryCompleteTask = `
UPDATE workflow_tasks
SET status = $2, error_message = $3, completed_at = $4
WHERE id = $1
  AND status = 'processing'
`
