package stt

// jsonMessage is the JSON protocol's envelope. One struct covers every
// message type; the tag field says which other fields are meaningful.
type jsonMessage struct {
	Type string `json:"type"`

	// setup
	ModelName   string `json:"model_name,omitempty"`
	InputFormat string `json:"input_format,omitempty"`

	// audio
	Audio string `json:"audio,omitempty"`

	// text / end_text
	Text   string  `json:"text,omitempty"`
	StartS float64 `json:"start_s,omitempty"`
	StopS  float64 `json:"stop_s,omitempty"`

	// step
	StepIdx int             `json:"step_idx,omitempty"`
	VAD     []vadPrediction `json:"vad,omitempty"`

	// error
	Message string `json:"message,omitempty"`
	Code    int    `json:"code,omitempty"`
}

// vadPrediction is one horizon of the upstream's voice-activity forecast.
type vadPrediction struct {
	HorizonS       float64 `json:"horizon_s"`
	InactivityProb float64 `json:"inactivity_prob"`
}

// msgpackMessage is the msgpack protocol's envelope, same single-struct
// shape. PCM is float32 so the encoder emits single-precision floats.
type msgpackMessage struct {
	Type string `msgpack:"type"`

	// Word / EndWord
	Text      string  `msgpack:"text,omitempty"`
	StartTime float64 `msgpack:"start_time,omitempty"`
	StopTime  float64 `msgpack:"stop_time,omitempty"`

	// Marker
	ID int `msgpack:"id,omitempty"`

	// Step
	StepIdx int       `msgpack:"step_idx,omitempty"`
	Prs     []float64 `msgpack:"prs,omitempty"`

	// Error
	Message string `msgpack:"message,omitempty"`

	// Audio
	PCM []float32 `msgpack:"pcm,omitempty"`
}
