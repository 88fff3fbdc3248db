/*
Copyright 2025 The llm-d Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package httperrors provides OpenAI-API-shaped HTTP error responses.
package httperrors

import (
	"encoding/json"
	"net/http"
)

// ErrorResponse is the error body returned to clients, matching the error
// shape emitted by the serving engines behind the coordinator.
type ErrorResponse struct {
	Object  string `json:"object"`
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
}

func writeError(w http.ResponseWriter, statusCode int, errType string, message string) error {
	response := ErrorResponse{
		Object:  "error",
		Message: message,
		Type:    errType,
		Code:    statusCode,
	}

	body, err := json.Marshal(response)
	if err != nil {
		return err
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, err = w.Write(body)
	return err
}

// ErrorJSONInvalid sends a 400 response for malformed request bodies.
func ErrorJSONInvalid(err error, w http.ResponseWriter) error {
	return writeError(w, http.StatusBadRequest, "BadRequestError", err.Error())
}

// ErrorBadGateway sends a 502 response for upstream dispatch failures.
func ErrorBadGateway(err error, w http.ResponseWriter) error {
	return writeError(w, http.StatusBadGateway, "BadGateway", err.Error())
}

// ErrorInternalServerError sends a 500 response.
func ErrorInternalServerError(err error, w http.ResponseWriter) error {
	return writeError(w, http.StatusInternalServerError, "InternalServerError", err.Error())
}
