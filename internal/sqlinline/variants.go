package sqlinline

const QInsertVariant = `--sql 643c7f5f-a94a-4b4f-9e34-54e4fcb003b3
insert into enhancement_variants (id, job_id, url, rank, created_at)
values ($1::uuid, $2::uuid, $3, $4, $5)
on conflict (job_id, rank) do nothing;
`

const QListVariantsByJob = `--sql f387c255-304e-4c1c-bddf-5fd29f0bb234
select id::text, job_id::text, url, rank, created_at
from enhancement_variants
where job_id = $1::uuid
order by rank asc;
`

const QListVariantsByJobs = `--sql a32a2261-9f6b-4795-ad64-4a8e2e4b1fe1
select id::text, job_id::text, url, rank, created_at
from enhancement_variants
where job_id = any($1::text[]::uuid[])
order by job_id, rank asc;
`
