package domain

// ChatMessage is one conversation turn in the provider-agnostic shape shared
// by the handler and the generation backend. Decoding inbound JSON into this
// type projects exactly role and content; any other fields on the wire are
// dropped. Slice order encodes turn order and is preserved end-to-end.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
