package chat

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schemaSQL is the DDL required by PostgresStore. {{schema}} is replaced by the quoted schema name.
const schemaSQL = `
CREATE SCHEMA IF NOT EXISTS {{schema}};

CREATE TABLE IF NOT EXISTS {{schema}}.realms (
  id         BIGSERIAL PRIMARY KEY,
  domain     TEXT NOT NULL UNIQUE,
  name       TEXT NOT NULL DEFAULT '',
  restricted BOOLEAN NOT NULL DEFAULT false
);

CREATE TABLE IF NOT EXISTS {{schema}}.users (
  id           BIGSERIAL PRIMARY KEY,
  realm_id     BIGINT NOT NULL REFERENCES {{schema}}.realms(id),
  email        TEXT NOT NULL UNIQUE,
  full_name    TEXT NOT NULL DEFAULT '',
  active       BOOLEAN NOT NULL DEFAULT true,
  mirror_dummy BOOLEAN NOT NULL DEFAULT false,
  can_forward  BOOLEAN NOT NULL DEFAULT false,
  api_key_hash TEXT NOT NULL DEFAULT '',
  pointer      BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS {{schema}}.streams (
  id          BIGSERIAL PRIMARY KEY,
  realm_id    BIGINT NOT NULL REFERENCES {{schema}}.realms(id),
  name        TEXT NOT NULL,
  name_key    TEXT NOT NULL,
  invite_only BOOLEAN NOT NULL DEFAULT false,
  active      BOOLEAN NOT NULL DEFAULT true,
  CONSTRAINT uq_streams_realm_name UNIQUE (realm_id, name_key)
);

CREATE TABLE IF NOT EXISTS {{schema}}.huddles (
  id   BIGSERIAL PRIMARY KEY,
  hash TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS {{schema}}.recipients (
  id      BIGSERIAL PRIMARY KEY,
  type    SMALLINT NOT NULL CHECK (type IN (1, 2, 3)),
  type_id BIGINT NOT NULL,
  CONSTRAINT uq_recipients_type UNIQUE (type, type_id)
);

CREATE TABLE IF NOT EXISTS {{schema}}.subscriptions (
  user_id      BIGINT NOT NULL REFERENCES {{schema}}.users(id),
  recipient_id BIGINT NOT NULL REFERENCES {{schema}}.recipients(id),
  active       BOOLEAN NOT NULL DEFAULT true,
  PRIMARY KEY (recipient_id, user_id)
);

CREATE TABLE IF NOT EXISTS {{schema}}.messages (
  id               BIGSERIAL PRIMARY KEY,
  sender_id        BIGINT NOT NULL REFERENCES {{schema}}.users(id),
  recipient_id     BIGINT NOT NULL REFERENCES {{schema}}.recipients(id),
  topic            TEXT NOT NULL DEFAULT '',
  content          TEXT NOT NULL,
  rendered_content TEXT NOT NULL,
  sending_client   TEXT NOT NULL DEFAULT '',
  pub_date         TIMESTAMPTZ NOT NULL,
  last_edit_time   TIMESTAMPTZ,
  edit_history     JSONB
);

CREATE INDEX IF NOT EXISTS idx_messages_dedupe
  ON {{schema}}.messages (sender_id, recipient_id, pub_date);

CREATE TABLE IF NOT EXISTS {{schema}}.user_messages (
  user_id    BIGINT NOT NULL REFERENCES {{schema}}.users(id),
  message_id BIGINT NOT NULL REFERENCES {{schema}}.messages(id),
  flags      BIGINT NOT NULL DEFAULT 0,
  PRIMARY KEY (user_id, message_id)
);

CREATE INDEX IF NOT EXISTS idx_user_messages_message
  ON {{schema}}.user_messages (message_id);
`

// ApplySchema creates the tables used by PostgresStore (idempotent).
func ApplySchema(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	schema = strings.TrimSpace(schema)
	if pool == nil {
		return errors.New("chat: nil pool")
	}
	if !isValidPGIdent(schema) {
		return errors.New("chat: invalid schema identifier")
	}
	ddl := strings.ReplaceAll(schemaSQL, "{{schema}}", quoteIdent(schema))
	_, err := pool.Exec(ctx, ddl)
	return err
}
