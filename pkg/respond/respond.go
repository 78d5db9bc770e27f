// Package respond writes the JSON envelope shared by the HTTP surfaces:
// {"success": bool, "data"|"message"|"error": ...}.
package respond

import (
	"encoding/json"
	"net/http"
)

type Body struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// JSON sends v with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func OK(w http.ResponseWriter, data any) {
	JSON(w, http.StatusOK, Body{Success: true, Data: data})
}

func Created(w http.ResponseWriter, message string, data any) {
	JSON(w, http.StatusCreated, Body{Success: true, Message: message, Data: data})
}

func Message(w http.ResponseWriter, message string) {
	JSON(w, http.StatusOK, Body{Success: true, Message: message})
}

func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, Body{Success: false, Error: message})
}
