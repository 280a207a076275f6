package sqlinline

// jobColumns is the canonical projection scanned by the job repository.
const jobColumns = `
  id::text, tenant_id, owner_id, photo_id, image_url, input_hash,
  status, progress_percent, progress_stage,
  options, calibration, masks, width, height, provider, model,
  normalized_cache_key, idempotency_key, provider_idempotency_key, retry_of::text,
  reserved_cost, error_message, error_code,
  created_at, updated_at, completed_at, canceled_at`

// QInsertJobWithOutbox writes the job row, its reservation and its pending
// dispatch event in one statement.
const QInsertJobWithOutbox = `--sql f95c2a55-aa75-4ee8-abcf-1222966cd0f5
with
ins_job as (
  insert into enhancement_jobs (
    id, tenant_id, owner_id, photo_id, image_url, input_hash,
    status, progress_percent, progress_stage,
    options, calibration, masks, width, height, provider, model,
    normalized_cache_key, idempotency_key, retry_of, reserved_cost,
    created_at, updated_at
  )
  values (
    $1::uuid, $2, $3, $4, $5, $6,
    $7, $8, $9,
    $10::jsonb, $11::jsonb, $12::jsonb, $13, $14, $15, $16,
    $17, $18, $19::uuid, $20,
    $21, $21
  )
  returning id, tenant_id, owner_id, reserved_cost, created_at
),
ins_reservation as (
  insert into enhancement_reservations (job_id, tenant_id, owner_id, amount, status, created_at)
  select id, tenant_id, owner_id, reserved_cost, 'reserved', created_at
  from ins_job
  returning job_id
),
ins_outbox as (
  insert into enhancement_outbox (id, job_id, event_type, payload, status, attempts, next_attempt_at, created_at, updated_at)
  select $22::uuid, id, $23, $24::jsonb, 'pending', 0, created_at, created_at, created_at
  from ins_job
  returning id
)
select
  (select id::text from ins_job),
  (select job_id::text from ins_reservation),
  (select id::text from ins_outbox);
`

const QNotifyOutbox = `--sql ed90430a-564c-431a-9338-8ed458f00d68
select pg_notify('enhancement_outbox', $1::text);
`

const QSelectJobByID = `--sql cf436ccd-79e2-468b-a4f5-92b933337204
select` + jobColumns + `
from enhancement_jobs
where id = $1::uuid;
`

const QSelectJobForUpdate = `--sql fe10b369-d5b9-4e25-bf79-f02ef6ac6341
select` + jobColumns + `
from enhancement_jobs
where id = $1::uuid
for update;
`

const QSelectCompletedJobByCacheKey = `--sql 748604e3-c9d1-4871-92f2-dd37ef369f79
select` + jobColumns + `
from enhancement_jobs
where tenant_id = $1
  and normalized_cache_key = $2
  and status = 'completed'
order by completed_at desc
limit 1;
`

const QSelectJobByIdempotencyKey = `--sql ebd85ed1-a949-49dc-ae8d-101950d28414
select` + jobColumns + `
from enhancement_jobs
where tenant_id = $1
  and owner_id = $2
  and idempotency_key = $3;
`

const QListJobsByOwner = `--sql 089daeea-b4ca-442a-8851-b5c6b9554daa
select` + jobColumns + `
from enhancement_jobs
where tenant_id = $1
  and owner_id = $2
order by created_at desc
limit $3;
`

const QUpdateJobState = `--sql 9ae1965a-562c-407d-955e-9e5aff0cfa30
update enhancement_jobs
set status = $2,
    progress_percent = $3,
    progress_stage = $4,
    error_message = $5,
    error_code = $6,
    completed_at = $7,
    canceled_at = $8,
    updated_at = $9
where id = $1::uuid;
`

const QInsertTransition = `--sql 1be7967f-d354-426b-a5e8-8552fe3ca2d8
insert into enhancement_job_transitions (job_id, from_status, to_status, progress_percent, created_at)
values ($1::uuid, $2, $3, $4, $5);
`

const QListTransitions = `--sql 0c93fd4a-b9d1-4064-8a5f-39b7fc0ac5d6
select job_id::text, from_status, to_status, progress_percent, created_at
from enhancement_job_transitions
where job_id = $1::uuid
order by id asc;
`

const QDeleteJob = `--sql 545bdd43-47ce-4f43-a8b7-4820c4fdafa0
delete from enhancement_jobs
where id = $1::uuid;
`

const QRefundReservation = `--sql a150fc94-4b22-40f2-840a-32629e000d98
update enhancement_reservations
set status = 'refunded',
    refunded_at = now()
where job_id = $1::uuid
  and status = 'reserved';
`
