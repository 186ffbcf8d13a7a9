// Copyright 2025 MNM Agent Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport carries tasks and results between the agent and the
// backend. A WebSocketClient is the primary channel and a PollingClient the
// fallback; Manager fronts both and fails over from one to the other.
package transport

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MessageType is the message_type field of an Envelope.
type MessageType string

// Agent to backend
const (
	MessageRegister     MessageType = "register"
	MessageHeartbeat    MessageType = "heartbeat"
	MessageTaskResult   MessageType = "task_result"
	MessageStatusUpdate MessageType = "status_update"
	MessageDataUpload   MessageType = "data_upload"
	MessageErrorReport  MessageType = "error_report"
	MessageLog          MessageType = "log"
)

// Backend to agent
const (
	MessageTask         MessageType = "task"
	MessageCancelTask   MessageType = "cancel_task"
	MessageConfigUpdate MessageType = "config_update"
	MessageCommand      MessageType = "command"
	MessageAck          MessageType = "ack"
	MessageDataRequest  MessageType = "data_request"
)

// Envelope is the JSON frame exchanged over the WebSocket.
type Envelope struct {
	MessageID string          `json:"message_id"`
	Type      MessageType     `json:"message_type"`
	AgentID   string          `json:"agent_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope wraps payload in a fresh envelope.
func NewEnvelope(msgType MessageType, agentID string, payload any) (*Envelope, error) {
	env := &Envelope{
		MessageID: uuid.New().String(),
		Type:      msgType,
		AgentID:   agentID,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Payload = raw
	}
	return env, nil
}

// RegisterPayload announces the agent after a connection is established.
type RegisterPayload struct {
	AgentID        string   `json:"agent_id,omitempty"`
	Version        string   `json:"version"`
	Capabilities   []string `json:"capabilities"`
	SageConfigured bool     `json:"sage50_configured"`
}

// HeartbeatPayload is sent on every heartbeat tick.
type HeartbeatPayload struct {
	Timestamp time.Time `json:"timestamp"`
}

// cancelPayload names the task a cancel_task message refers to.
type cancelPayload struct {
	TaskID string `json:"task_id"`
}

// ackPayload names the agent message the backend acknowledged.
type ackPayload struct {
	MessageID string `json:"message_id"`
}

// AgentStatus is the periodic status report.
type AgentStatus struct {
	AgentID string `json:"agent_id"`
	Version string `json:"version"`
	Status  string `json:"status"`

	ConnectedAt    *time.Time `json:"connected_at,omitempty"`
	LastHeartbeat  *time.Time `json:"last_heartbeat,omitempty"`
	ConnectionType string     `json:"connection_type"`

	CurrentTask    string `json:"current_task,omitempty"`
	TasksCompleted int64  `json:"tasks_completed"`
	TasksFailed    int64  `json:"tasks_failed"`
	TasksPending   int    `json:"tasks_pending"`

	SageConnected bool   `json:"sage_connected"`
	SageCompany   string `json:"sage_company,omitempty"`
	SageVersion   string `json:"sage_version,omitempty"`

	LastAmazonSync  *time.Time `json:"last_amazon_sync,omitempty"`
	LastEbaySync    *time.Time `json:"last_ebay_sync,omitempty"`
	LastShopifySync *time.Time `json:"last_shopify_sync,omitempty"`

	DiskFreeGB *float64 `json:"disk_free_gb,omitempty"`
}

// DefaultCapabilities is what the agent advertises on register.
var DefaultCapabilities = []string{
	"create_sales_order",
	"batch_create_orders",
	"sync_orders",
	"customer_management",
}
