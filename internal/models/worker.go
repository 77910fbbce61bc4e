package models

import "github.com/google/uuid"

type Worker struct {
	ID   string
	Type string // ssh | local
}

func NewWorker(workerType string) Worker {
	return Worker{
		ID:   uuid.New().String(),
		Type: workerType,
	}
}
