// Package database manages the PostgreSQL connection pool and
// bootstraps the schema on startup.
package database

// Schema contains the SQL statements bootstrapping the tables the core
// persists: the object mapping, plus the connection and subscription
// bookkeeping other server processes consult for routing.
const Schema = `
-- object_mapping: the persistent bijection between a store primary key
-- and an opaque 17-character client id. Never deleted.
CREATE TABLE IF NOT EXISTS object_mapping (
    collection VARCHAR(255) NOT NULL,
    pk         VARCHAR(255) NOT NULL,
    opaque_id  VARCHAR(17) NOT NULL,
    PRIMARY KEY (collection, pk)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_object_mapping_opaque
    ON object_mapping(collection, opaque_id);

-- connection: one row per live DDP connection, recorded so other
-- server processes can route NOTIFY-delivered changes to the process
-- that owns the socket.
CREATE TABLE IF NOT EXISTS connection (
    id          VARCHAR(17) PRIMARY KEY,
    server_addr VARCHAR(255) NOT NULL,
    remote_addr VARCHAR(255) NOT NULL,
    version     VARCHAR(10) NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

-- subscription: a live subscription attached to a connection.
CREATE TABLE IF NOT EXISTS subscription (
    connection_id VARCHAR(17) NOT NULL REFERENCES connection(id) ON DELETE CASCADE,
    sub_id        VARCHAR(255) NOT NULL,
    user_id       VARCHAR(255),
    publication   VARCHAR(255) NOT NULL,
    params_ejson  TEXT NOT NULL,
    xmin_upper    BIGINT NOT NULL,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (connection_id, sub_id)
);

-- subscription_collection: the materialized expansion of a subscription
-- into the collections it touches, so NOTIFY handlers can cheaply test
-- "does subscription S care about collection C" without re-evaluating
-- the publication function.
CREATE TABLE IF NOT EXISTS subscription_collection (
    connection_id   VARCHAR(17) NOT NULL,
    sub_id          VARCHAR(255) NOT NULL,
    collection_name VARCHAR(255) NOT NULL,
    FOREIGN KEY (connection_id, sub_id)
        REFERENCES subscription(connection_id, sub_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_subscription_collection_name
    ON subscription_collection(collection_name);
`
