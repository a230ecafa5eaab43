package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType - закрытый набор типов событий FailSafe.
type EventType string

const (
	EventValidation  EventType = "validation"
	EventRuleTrigger EventType = "rule_trigger"
	EventTaskEvent   EventType = "task_event"
	EventSystem      EventType = "system"
	EventDrift       EventType = "drift"
	EventVersion     EventType = "version"
)

// Valid сообщает, входит ли тип в закрытый набор.
func (t EventType) Valid() bool {
	switch t {
	case EventValidation, EventRuleTrigger, EventTaskEvent, EventSystem, EventDrift, EventVersion:
		return true
	}
	return false
}

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

func (s Severity) Valid() bool {
	return s == SeverityInfo || s == SeverityWarning || s == SeverityCritical
}

// EventData - полезная нагрузка события. Конкретный тип определяется полем Type события.
type EventData interface {
	EventType() EventType
}

// ValidationData - результат прохода валидации ответа ассистента.
type ValidationData struct {
	IsValid     bool     `json:"isValid"`
	Errors      []string `json:"errors,omitempty"`
	Warnings    []string `json:"warnings,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
	Source      string   `json:"source,omitempty"`
}

func (ValidationData) EventType() EventType { return EventValidation }

// RuleTriggerData - срабатывание правила (паттерна) сканера.
type RuleTriggerData struct {
	RuleID   string `json:"ruleId,omitempty"`
	RuleName string `json:"ruleName,omitempty"`
	Pattern  string `json:"pattern,omitempty"`
	Match    string `json:"match,omitempty"`
	Action   string `json:"action,omitempty"`
}

func (RuleTriggerData) EventType() EventType { return EventRuleTrigger }

// TaskEventData - изменение состояния задачи плана проекта.
type TaskEventData struct {
	TaskID string `json:"taskId,omitempty"`
	Name   string `json:"name,omitempty"`
	Action string `json:"action,omitempty"` // created, started, completed, blocked...
	Status string `json:"status,omitempty"`
}

func (TaskEventData) EventType() EventType { return EventTaskEvent }

// SystemData - служебные события: подключение, heartbeat, события неизвестного типа.
type SystemData struct {
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

func (SystemData) EventType() EventType { return EventSystem }

// DriftData - отклонение реализации от плана.
type DriftData struct {
	Component string  `json:"component,omitempty"`
	Expected  string  `json:"expected,omitempty"`
	Actual    string  `json:"actual,omitempty"`
	Score     float64 `json:"score,omitempty"`
}

func (DriftData) EventType() EventType { return EventDrift }

// VersionData - рассогласование версий между манифестами.
type VersionData struct {
	Current      string   `json:"current,omitempty"`
	Expected     string   `json:"expected,omitempty"`
	Consistent   bool     `json:"consistent"`
	Inconsistent []string `json:"inconsistent,omitempty"`
}

func (VersionData) EventType() EventType { return EventVersion }

// FailSafeEvent - структурированное уведомление шины событий.
// Origin заполняется только для событий, пришедших из другого процесса через relay.
type FailSafeEvent struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp string    `json:"timestamp"`
	Data      EventData `json:"data,omitempty"`
	Severity  Severity  `json:"severity"`
	Origin    string    `json:"origin,omitempty"`
}

// Time разбирает Timestamp; нулевое время, если строка пустая или битая.
func (e FailSafeEvent) Time() time.Time {
	t, err := time.Parse(time.RFC3339Nano, e.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return t
}

type rawEvent struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
	Severity  Severity        `json:"severity"`
	Origin    string          `json:"origin,omitempty"`
}

// UnmarshalJSON разбирает data по значению type (tagged union).
// Неизвестный тип не отбрасывается: нагрузка сохраняется в SystemData.Details,
// а приведение типа выполняет шина при Emit.
func (e *FailSafeEvent) UnmarshalJSON(b []byte) error {
	var raw rawEvent
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	data, err := DecodeEventData(raw.Type, raw.Data)
	if err != nil {
		return fmt.Errorf("event %q: %w", raw.Type, err)
	}
	*e = FailSafeEvent{
		ID:        raw.ID,
		Type:      raw.Type,
		Timestamp: raw.Timestamp,
		Data:      data,
		Severity:  raw.Severity,
		Origin:    raw.Origin,
	}
	return nil
}

// DecodeEventData декодирует сырую нагрузку в конкретную структуру для типа t.
func DecodeEventData(t EventType, raw json.RawMessage) (EventData, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var target EventData
	switch t {
	case EventValidation:
		d := ValidationData{}
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, err
		}
		target = d
	case EventRuleTrigger:
		d := RuleTriggerData{}
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, err
		}
		target = d
	case EventTaskEvent:
		d := TaskEventData{}
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, err
		}
		target = d
	case EventDrift:
		d := DriftData{}
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, err
		}
		target = d
	case EventVersion:
		d := VersionData{}
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, err
		}
		target = d
	case EventSystem:
		d := SystemData{}
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, err
		}
		target = d
	default:
		// Чужой тип: держим нагрузку как есть
		var details map[string]any
		if err := json.Unmarshal(raw, &details); err != nil {
			details = map[string]any{"raw": string(raw)}
		}
		target = SystemData{Details: details}
	}
	return target, nil
}
