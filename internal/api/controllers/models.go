package controllers

import (
	"github.com/datallboy/gowish/internal/domain"
)

// OrderRequest describes one order in a submit request. Dir defaults to the
// configured output directory.
type OrderRequest struct {
	URL        string             `json:"url"`
	Dir        string             `json:"dir,omitempty"`
	Filename   string             `json:"filename,omitempty"`
	MIME       string             `json:"mime,omitempty"`
	Referer    string             `json:"referer,omitempty"`
	Credential *domain.Credential `json:"credential,omitempty"`
}

// SubmitRequest starts orders as one download, or queues them as wishes
// when Queue is set.
type SubmitRequest struct {
	Orders []OrderRequest `json:"orders"`
	Queue  bool           `json:"queue,omitempty"`
	Held   bool           `json:"held,omitempty"`
}

type SubmitResponse struct {
	ID     string        `json:"id,omitempty"`
	Wishes []domain.Wish `json:"wishes,omitempty"`
}

type StopResponse struct {
	ID     string        `json:"id"`
	Wishes []domain.Wish `json:"wishes"`
}

type MoveRequest struct {
	From int `json:"from"`
	To   int `json:"to"`
}

type CredentialRequest struct {
	Scheme     string `json:"scheme"`
	Host       string `json:"host"`
	User       string `json:"user"`
	Password   string `json:"password,omitempty"`
	PrivateKey string `json:"private_key,omitempty"`
}
