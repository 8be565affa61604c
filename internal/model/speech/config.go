package speech

import "time"

// TTSConfig 语音合成引擎配置
type TTSConfig struct {
	AppID       string        // 火山引擎 APP ID
	AccessToken string        // 火山引擎 Access Token
	Endpoint    string        // 为空时使用官方单向流式地址
	Voice       string        // 角色未声明声音时的兜底 speaker
	Speed       float32       // 语速倍率 0.5-2.0
	Volume      float32       // 音量倍率
	Language    string        // en-US, zh-CN, etc.
	Timeout     time.Duration // 单次合成的总时长上限
}
