package speech

// TTSRequest 语音合成请求
type TTSRequest struct {
	RequestID string  `json:"requestId"`
	Text      string  `json:"text"`
	Voice     string  `json:"voice"`    // 引擎 speaker id 或角色别名
	Speed     float32 `json:"speed"`    // 语速倍率 0.5-2.0
	Volume    float32 `json:"volume"`   // 音量倍率
	Format    string  `json:"format"`   // mp3
	Language  string  `json:"language"` // en-US, zh-CN, etc.
}

// SpeakRequest 是 POST /speak 的请求体
type SpeakRequest struct {
	Text        string `json:"text"`
	CharacterID string `json:"characterId"`
}
