package repository

// WithTier filters by the "tier" column.
func WithTier(tier string) Option {
	return WithCondition("tier", tier)
}

// WithProject filters by the "project" column.
func WithProject(project string) Option {
	return WithCondition("project", project)
}

// WithSession filters by the "session" column.
func WithSession(session string) Option {
	return WithCondition("session", session)
}

// WithKind filters by the "kind" column.
func WithKind(kind string) Option {
	return WithCondition("kind", kind)
}
