package db

const schema = `
-- Agent profiles. Rows are never deleted; deactivation flips active.
CREATE TABLE IF NOT EXISTS agents (
    agent_id INTEGER PRIMARY KEY,
    name TEXT NOT NULL UNIQUE,
    nickname TEXT DEFAULT '',
    expertise TEXT DEFAULT '',
    version TEXT DEFAULT '',
    default_project TEXT DEFAULT '',
    active INTEGER NOT NULL DEFAULT 1,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

-- Persisted messages. Metadata is opaque JSON enriched by the server.
CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    sender_id INTEGER NOT NULL,
    conversation_id TEXT DEFAULT '',
    type TEXT NOT NULL DEFAULT 'message',
    content TEXT NOT NULL,
    metadata TEXT DEFAULT '{}',
    project TEXT DEFAULT '',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (sender_id) REFERENCES agents(agent_id)
);

-- Collaboration requests between two agents.
CREATE TABLE IF NOT EXISTS collaborations (
    collab_id INTEGER PRIMARY KEY AUTOINCREMENT,
    requester_id INTEGER NOT NULL,
    responder_id INTEGER NOT NULL,
    title TEXT NOT NULL,
    description TEXT DEFAULT '',
    status TEXT NOT NULL DEFAULT 'pending',
    metadata TEXT DEFAULT '{}',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    responded_at DATETIME,
    completed_at DATETIME,
    FOREIGN KEY (requester_id) REFERENCES agents(agent_id),
    FOREIGN KEY (responder_id) REFERENCES agents(agent_id)
);

-- Projects and memberships. The owner row in project_members is permanent.
CREATE TABLE IF NOT EXISTS projects (
    project_id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL UNIQUE,
    description TEXT DEFAULT '',
    owner_id INTEGER NOT NULL,
    active INTEGER NOT NULL DEFAULT 1,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (owner_id) REFERENCES agents(agent_id)
);

CREATE TABLE IF NOT EXISTS project_members (
    project_id INTEGER NOT NULL,
    agent_id INTEGER NOT NULL,
    role TEXT NOT NULL DEFAULT 'contributor',
    PRIMARY KEY (project_id, agent_id),
    FOREIGN KEY (project_id) REFERENCES projects(project_id),
    FOREIGN KEY (agent_id) REFERENCES agents(agent_id)
);

-- Brain state: one row per session identifier. The upsert conflict key is
-- session_identifier; agent_id is never a write key.
CREATE TABLE IF NOT EXISTS brain_states (
    session_identifier TEXT PRIMARY KEY,
    agent_id INTEGER NOT NULL,
    project TEXT DEFAULT '',
    git_hash TEXT DEFAULT '',
    current_task TEXT DEFAULT '',
    last_thought TEXT DEFAULT '',
    last_insight TEXT DEFAULT '',
    current_cycle INTEGER NOT NULL DEFAULT 0,
    cycle_count INTEGER NOT NULL DEFAULT 0,
    last_activity DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    checkpoint_data TEXT DEFAULT '{}',
    modified_files TEXT DEFAULT '[]',
    added_files TEXT DEFAULT '[]',
    deleted_files TEXT DEFAULT '[]',
    git_status TEXT DEFAULT '',
    is_sleeping INTEGER NOT NULL DEFAULT 0,
    slept_at DATETIME,
    woke_up_at DATETIME
);

-- Live working sessions, cleaned up by the supervisor when stale.
CREATE TABLE IF NOT EXISTS active_sessions (
    session_identifier TEXT PRIMARY KEY,
    agent_id INTEGER NOT NULL,
    project TEXT DEFAULT '',
    started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    last_activity DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    ended_at DATETIME,
    active INTEGER NOT NULL DEFAULT 1
);

-- Indexes
CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(created_at);
CREATE INDEX IF NOT EXISTS idx_messages_project ON messages(project);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id);
CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender_id);
CREATE INDEX IF NOT EXISTS idx_collabs_requester ON collaborations(requester_id);
CREATE INDEX IF NOT EXISTS idx_collabs_responder ON collaborations(responder_id);
CREATE INDEX IF NOT EXISTS idx_collabs_created ON collaborations(created_at);
CREATE INDEX IF NOT EXISTS idx_brain_agent ON brain_states(agent_id);
CREATE INDEX IF NOT EXISTS idx_brain_project_hash ON brain_states(project, git_hash);
CREATE INDEX IF NOT EXISTS idx_brain_activity ON brain_states(last_activity);
CREATE INDEX IF NOT EXISTS idx_active_sessions_agent ON active_sessions(agent_id);
CREATE INDEX IF NOT EXISTS idx_active_sessions_activity ON active_sessions(last_activity);
`
