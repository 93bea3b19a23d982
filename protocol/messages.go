package protocol

import (
	"encoding/json"
	"fmt"
)

type Type string

const (
	// Client -> server.
	TypeOffer        Type = "offer"
	TypeICECandidate Type = "ice-candidate"
	TypePrompt       Type = "prompt"
	TypeSetImage     Type = "set_image"

	// Server -> client.
	TypeAnswer            Type = "answer"
	TypeICERestart        Type = "ice-restart"
	TypePromptAck         Type = "prompt_ack"
	TypeSetImageAck       Type = "set_image_ack"
	TypeSessionID         Type = "session_id"
	TypeGenerationStarted Type = "generation_started"
	TypeGenerationTick    Type = "generation_tick"
	TypeGenerationEnded   Type = "generation_ended"
	TypeError             Type = "error"
)

// GenerationEndedReason explains why the provider stopped producing output.
type GenerationEndedReason string

const (
	ReasonDisconnect          GenerationEndedReason = "disconnect"
	ReasonTimeout             GenerationEndedReason = "timeout"
	ReasonModerationViolation GenerationEndedReason = "moderation_violation"
	ReasonError               GenerationEndedReason = "error"
	ReasonInsufficientCredits GenerationEndedReason = "insufficient_credits"
)

// Candidate is a JSON-friendly ICE candidate. A nil *Candidate in an
// ice-candidate message signals end of candidates.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// TURNConfig carries fresh relay credentials delivered by an ice-restart
// message.
type TURNConfig struct {
	Username   string `json:"username"`
	Credential string `json:"credential"`
	ServerURL  string `json:"server_url"`
}

// Message is the tagged union carried on the control channel. Which fields
// are meaningful depends on Type; Validate enforces the per-type shape.
type Message struct {
	Type Type `json:"type"`

	// offer / answer.
	SDP string `json:"sdp,omitempty"`

	// ice-candidate. Present-but-null means end of candidates, so the field
	// is always serialized for that type.
	Candidate *Candidate `json:"candidate,omitempty"`

	// ice-restart.
	TURNConfig *TURNConfig `json:"turn_config,omitempty"`

	// prompt / prompt_ack / set_image.
	Prompt        string `json:"prompt,omitempty"`
	EnhancePrompt *bool  `json:"enhance_prompt,omitempty"`

	// set_image. Null clears the reference image.
	ImageData *string `json:"image_data,omitempty"`

	// prompt_ack / set_image_ack.
	Success *bool   `json:"success,omitempty"`
	Error   *string `json:"error,omitempty"`

	// session_id.
	SessionID  string `json:"session_id,omitempty"`
	ServerIP   string `json:"server_ip,omitempty"`
	ServerPort int    `json:"server_port,omitempty"`

	// generation_tick / generation_ended.
	Seconds float64 `json:"seconds,omitempty"`

	// generation_ended.
	Reason GenerationEndedReason `json:"reason,omitempty"`
}

// Parse decodes and validates a control-channel message. Unknown types and
// malformed per-type shapes are errors; callers that must forward messages
// regardless of validity should use Sniff instead.
func Parse(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("protocol: decode message: %w", err)
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

func (m Message) Validate() error {
	switch m.Type {
	case TypeOffer:
		if m.SDP == "" {
			return fmt.Errorf("protocol: offer message missing sdp")
		}
	case TypeAnswer:
		if m.SDP == "" {
			return fmt.Errorf("protocol: answer message missing sdp")
		}
	case TypeICECandidate:
		// A null candidate is valid (end of candidates).
	case TypeICERestart:
		if m.TURNConfig == nil {
			return fmt.Errorf("protocol: ice-restart message missing turn_config")
		}
		if m.TURNConfig.ServerURL == "" {
			return fmt.Errorf("protocol: ice-restart turn_config missing server_url")
		}
	case TypePrompt:
		if m.Prompt == "" {
			return fmt.Errorf("protocol: prompt message missing prompt")
		}
	case TypePromptAck:
		if m.Success == nil {
			return fmt.Errorf("protocol: prompt_ack message missing success")
		}
	case TypeSetImage:
		// image_data may be null (clear) and prompt is optional.
	case TypeSetImageAck:
		if m.Success == nil {
			return fmt.Errorf("protocol: set_image_ack message missing success")
		}
	case TypeSessionID:
		if m.SessionID == "" {
			return fmt.Errorf("protocol: session_id message missing session_id")
		}
	case TypeGenerationStarted, TypeGenerationTick:
	case TypeGenerationEnded:
		if m.Reason == "" {
			return fmt.Errorf("protocol: generation_ended message missing reason")
		}
	case TypeError:
		if m.Error == nil {
			return fmt.Errorf("protocol: error message missing error")
		}
	default:
		return fmt.Errorf("protocol: unsupported message type %q", m.Type)
	}
	return nil
}

// Encode serializes a validated message.
func (m Message) Encode() ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if m.Type == TypeICECandidate && m.Candidate == nil {
		// json omitempty would drop the null candidate; the wire format keeps
		// the field present to mean end of candidates.
		return json.Marshal(struct {
			Type      Type       `json:"type"`
			Candidate *Candidate `json:"candidate"`
		}{Type: m.Type, Candidate: nil})
	}
	if m.Type == TypeSetImage && m.ImageData == nil {
		out := struct {
			Type          Type    `json:"type"`
			ImageData     *string `json:"image_data"`
			Prompt        string  `json:"prompt,omitempty"`
			EnhancePrompt *bool   `json:"enhance_prompt,omitempty"`
		}{Type: m.Type, Prompt: m.Prompt, EnhancePrompt: m.EnhancePrompt}
		return json.Marshal(out)
	}
	return json.Marshal(m)
}

// Envelope is the best-effort view of a message used for diagnostics at the
// relay boundary.
type Envelope struct {
	Type      Type   `json:"type"`
	SessionID string `json:"session_id"`
}

// Sniff extracts the type discriminator (and session id, when present)
// without validating the payload. ok is false when the data is not a JSON
// object with a string type; the caller is expected to forward the message
// verbatim either way.
func Sniff(data []byte) (Envelope, bool) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, false
	}
	if env.Type == "" {
		return Envelope{}, false
	}
	return env, true
}
