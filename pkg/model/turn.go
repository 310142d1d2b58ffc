package model

import "time"

// Prompt is the model input of one decision step
type Prompt struct {
	System      string
	History     []*Message
	Instruction string
}

// TurnRecord summarizes a completed turn for analytics sinks
type TurnRecord struct {
	ChatID         ChatID    `bigquery:"chat_id"`
	UserID         UserID    `bigquery:"user_id"`
	RetrievalCount int       `bigquery:"retrieval_count"`
	Queries        []string  `bigquery:"queries"`
	HistorySize    int       `bigquery:"history_size"`
	AnswerLength   int       `bigquery:"answer_length"`
	DurationMS     int64     `bigquery:"duration_ms"`
	CreatedAt      time.Time `bigquery:"created_at"`
}
