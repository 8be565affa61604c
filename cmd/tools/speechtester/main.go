package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/zhouzirui/tutor-chat/backend/internal/config"
	"github.com/zhouzirui/tutor-chat/backend/internal/logging"
	"github.com/zhouzirui/tutor-chat/backend/internal/model/persona"
	speechmodel "github.com/zhouzirui/tutor-chat/backend/internal/model/speech"
	"github.com/zhouzirui/tutor-chat/backend/internal/service/speech"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := godotenv.Load(); err != nil {
		log.Printf("[WARN] 无法加载 .env，改用系统环境变量: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("配置加载失败: %v", err)
	}

	if !cfg.Speech.Enabled {
		log.Fatal("语音服务未启用，请先在环境变量中配置 SPEECH_APP_ID 与 SPEECH_ACCESS_TOKEN")
	}

	text := flag.String("text", "", "待合成文本")
	character := flag.String("character", "", "按角色声音合成（走语音中继），与 -voice 二选一")
	voice := flag.String("voice", "", "直接指定引擎 speaker 或声音别名，默认使用 SPEECH_TTS_VOICE")
	outputPath := flag.String("out", "", "输出音频文件路径 (默认自动生成)")
	timeout := flag.Duration("timeout", 45*time.Second, "请求超时时间")
	verbose := flag.Bool("v", false, "输出调试日志")

	flag.Parse()

	if strings.TrimSpace(*text) == "" {
		flag.Usage()
		log.Fatal("需要通过 -text 提供待合成文本")
	}

	level := "warn"
	if *verbose {
		level = "debug"
	}
	logger, err := logging.New(level, "console")
	if err != nil {
		log.Fatalf("日志初始化失败: %v", err)
	}
	defer logger.Sync()

	engine := speech.NewVolcengineTTSClient(&speechmodel.TTSConfig{
		AppID:       cfg.Speech.AppID,
		AccessToken: cfg.Speech.AccessToken,
		Voice:       cfg.Speech.Voice,
		Speed:       cfg.Speech.Speed,
		Volume:      cfg.Speech.Volume,
		Language:    cfg.Speech.Language,
		Timeout:     *timeout,
	}, logger)

	if *outputPath == "" {
		*outputPath = fmt.Sprintf("tts-output-%d.mp3", time.Now().Unix())
	}
	out, err := os.Create(*outputPath)
	if err != nil {
		log.Fatalf("创建输出文件失败: %v", err)
	}
	defer out.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	started := time.Now()
	var written int64
	if *character != "" {
		written, err = runCharacter(ctx, engine, *character, *text, out)
	} else {
		written, err = runEngine(ctx, engine, *voice, *text, out)
	}
	if err != nil {
		log.Fatalf("TTS 调用失败 (已写入 %d 字节): %v", written, err)
	}

	log.Printf("TTS 合成成功: 输出文件 %s, %d 字节, 耗时 %s", *outputPath, written, time.Since(started).Round(time.Millisecond))
}

// runCharacter 与 POST /speak 相同的路径：角色声音解析 + 流式中继
func runCharacter(ctx context.Context, engine speech.Synthesizer, character, text string, out io.Writer) (int64, error) {
	svc := speech.NewService(persona.NewMemoryStore(persona.Seed()), engine, 0, nil)
	log.Printf("开始进行角色 TTS 测试: character=%s", character)

	audio, err := svc.Synthesize(ctx, character, text)
	if err != nil {
		return 0, err
	}
	defer audio.Close()
	return io.Copy(out, audio)
}

func runEngine(ctx context.Context, engine *speech.VolcengineTTSClient, voice, text string, out io.Writer) (int64, error) {
	log.Printf("开始进行引擎 TTS 测试: voice=%s", voice)

	var written int64
	err := engine.Stream(ctx, &speechmodel.TTSRequest{Text: text, Voice: voice}, func(chunk []byte) error {
		n, err := out.Write(chunk)
		written += int64(n)
		return err
	})
	return written, err
}
