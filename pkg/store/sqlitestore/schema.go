package sqlitestore

const schema = `
CREATE TABLE IF NOT EXISTS timeline_events (
	room_id  TEXT NOT NULL,
	event_id TEXT NOT NULL,
	data     BLOB NOT NULL,
	PRIMARY KEY (room_id, event_id)
);

CREATE TABLE IF NOT EXISTS timeline_relations (
	room_id          TEXT NOT NULL,
	related_event_id TEXT NOT NULL,
	rel_type         TEXT NOT NULL,
	event_id         TEXT NOT NULL,
	PRIMARY KEY (room_id, related_event_id, rel_type, event_id)
);

CREATE TABLE IF NOT EXISTS rooms (
	room_id TEXT NOT NULL PRIMARY KEY,
	data    BLOB NOT NULL
);
`
