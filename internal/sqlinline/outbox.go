package sqlinline

const outboxColumns = `
  o.id::text, o.job_id::text, o.event_type, o.payload, o.status, o.attempts,
  o.last_error, o.next_attempt_at, o.created_at, o.updated_at, o.dispatched_at`

// QClaimOutbox leases due pending events. Concurrent relays skip rows
// another relay already holds.
const QClaimOutbox = `--sql 2279efad-6d22-40ca-b037-877107b6329b
with due as (
  select id
  from enhancement_outbox
  where status = 'pending'
    and next_attempt_at <= now()
    and (locked_until is null or locked_until < now())
  order by next_attempt_at asc, created_at asc
  limit $1
  for update skip locked
)
update enhancement_outbox o
set locked_until = now() + make_interval(secs => $2::double precision),
    updated_at = now()
from due
where o.id = due.id
returning` + outboxColumns + `;
`

const QListOutboxByJob = `--sql ee4abbce-30a5-4e1d-a86a-17caad46ec82
select` + outboxColumns + `
from enhancement_outbox o
where o.job_id = $1::uuid
order by o.created_at asc;
`

const QMarkOutboxDispatched = `--sql 4b33bb2e-686c-4e39-a7a5-4d598566720a
update enhancement_outbox
set status = 'dispatched',
    attempts = attempts + 1,
    dispatched_at = now(),
    locked_until = null,
    last_error = null,
    updated_at = now()
where id = $1::uuid;
`

const QSetProviderJobID = `--sql 237102d8-47ab-4e30-a916-46e264efa5ea
update enhancement_jobs
set provider_idempotency_key = $2,
    updated_at = now()
where id = $1::uuid
  and provider_idempotency_key is null;
`

const QMarkOutboxRetry = `--sql eee72e1b-cac0-4553-b100-60e66a698250
update enhancement_outbox
set attempts = $2,
    next_attempt_at = $3,
    last_error = $4,
    locked_until = null,
    updated_at = now()
where id = $1::uuid;
`

const QMarkOutboxFailed = `--sql 7f7d85d6-cf41-48a2-8a24-9648b49c09e8
update enhancement_outbox
set status = 'failed',
    attempts = $2,
    last_error = $3,
    locked_until = null,
    updated_at = now()
where id = $1::uuid;
`
