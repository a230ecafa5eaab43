package infra

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "failsafe"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanEvents - канал relay событий шины между процессами.
	RedisChanEvents = RedisNamespace + ":events"
)
