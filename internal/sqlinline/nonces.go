package sqlinline

const QInsertWebhookNonce = `--sql cc1f5fca-a985-419d-b943-0220d0f05704
insert into enhancement_webhook_nonces (nonce, job_id, received_at)
values ($1, $2, $3)
on conflict (nonce) do nothing;
`

const QDeleteExpiredNonces = `--sql 294b10f3-be96-4e06-b0a1-a98594156bba
delete from enhancement_webhook_nonces
where received_at < $1;
`
