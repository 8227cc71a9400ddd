package inspector

// scanRequest is the wire shape POSTed to {base}/v1/scan/sync/request.
// Field names and nesting follow the PANW AIRS API as captured in
// original_source/src/types.rs (ScanRequest, AiProfile, Metadata,
// Content).
type scanRequest struct {
	TrID      string        `json:"tr_id"`
	AiProfile aiProfileWire `json:"ai_profile"`
	Metadata  metadataWire  `json:"metadata"`
	Contents  []contentWire `json:"contents"`
}

type aiProfileWire struct {
	ProfileName string `json:"profile_name"`
}

type metadataWire struct {
	AppName string `json:"app_name"`
	AppUser string `json:"app_user"`
	AIModel string `json:"ai_model"`
	UserIP  string `json:"user_ip,omitempty"`
}

type contentWire struct {
	Prompt       string `json:"prompt,omitempty"`
	Response     string `json:"response,omitempty"`
	CodePrompt   string `json:"code_prompt,omitempty"`
	CodeResponse string `json:"code_response,omitempty"`
	Context      string `json:"context,omitempty"`
}

// scanResponse is the wire shape of the inspector's reply. The PANW
// original reports detections with asymmetric prompt_detected /
// response_detected field sets (see original_source/src/types.rs);
// this deserializes into one symmetric detectedWire shape used for
// both, per design doc Section 3.2's unified vocabulary.
type scanResponse struct {
	Category         string        `json:"category"`
	Action           string        `json:"action"`
	PromptDetected   detectedWire  `json:"prompt_detected"`
	ResponseDetected detectedWire  `json:"response_detected"`
	PromptMasked     *maskedWire   `json:"prompt_masked_data,omitempty"`
	ResponseMasked   *maskedWire   `json:"response_masked_data,omitempty"`
	TopicGuardrails  *topicWire    `json:"topic_guardrails,omitempty"`
}

type detectedWire struct {
	URLCategories  bool `json:"url_cats"`
	DataLoss       bool `json:"dlp"`
	Injection      bool `json:"injection"`
	Toxic          bool `json:"toxic_content"`
	MaliciousCode  bool `json:"malicious_code"`
	DatabaseAttack bool `json:"db_security"`
	AgentThreat    bool `json:"agent"`
	Ungrounded     bool `json:"ungrounded"`
	TopicViolation bool `json:"topic_violation"`
}

func (d detectedWire) toDetections() Detections {
	return Detections{
		URLCategories:  d.URLCategories,
		DataLoss:       d.DataLoss,
		Injection:      d.Injection,
		Toxic:          d.Toxic,
		MaliciousCode:  d.MaliciousCode,
		DatabaseAttack: d.DatabaseAttack,
		AgentThreat:    d.AgentThreat,
		Ungrounded:     d.Ungrounded,
		TopicViolation: d.TopicViolation,
	}
}

type maskedWire struct {
	Data              string              `json:"data"`
	PatternDetections []patternDetectWire `json:"pattern_detections,omitempty"`
}

type patternDetectWire struct {
	Pattern   string       `json:"pattern"`
	Locations []offsetWire `json:"locations,omitempty"`
}

type offsetWire struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

type topicWire struct {
	AllowedTopics []string `json:"allowed_topics,omitempty"`
	BlockedTopics []string `json:"blocked_topics,omitempty"`
}

// toVerdict converts the wire response into the public Verdict,
// preferring the response-side masked rewrite when present (the
// streaming path only ever masks response content; the non-streaming
// prompt path may mask prompt content).
func (r scanResponse) toVerdict() Verdict {
	v := Verdict{
		Category:           r.Category,
		Action:             r.Action,
		PromptDetections:   r.PromptDetected.toDetections(),
		ResponseDetections: r.ResponseDetected.toDetections(),
	}

	masked := r.ResponseMasked
	if masked == nil {
		masked = r.PromptMasked
	}
	if masked != nil {
		v.IsMasked = true
		v.FinalContent = masked.Data
		for _, p := range masked.PatternDetections {
			mp := MaskedPattern{Pattern: p.Pattern}
			for _, l := range p.Locations {
				mp.Locations = append(mp.Locations, Offset{Start: l.Start, End: l.End})
			}
			v.MaskedPatterns = append(v.MaskedPatterns, mp)
		}
	}

	if r.TopicGuardrails != nil {
		v.Guardrails = &TopicGuardrails{
			AllowedTopics: r.TopicGuardrails.AllowedTopics,
			BlockedTopics: r.TopicGuardrails.BlockedTopics,
		}
	}

	return v
}
