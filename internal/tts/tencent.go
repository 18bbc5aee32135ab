package tts

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/tencentcloud/tencentcloud-sdk-go/tencentcloud/common"
	"github.com/tencentcloud/tencentcloud-sdk-go/tencentcloud/common/profile"
	tctts "github.com/tencentcloud/tencentcloud-sdk-go/tencentcloud/tts/v20190823"

	"github.com/loqalabs/loqa-narrator/internal/config"
)

const tencentEndpoint = "tts.tencentcloudapi.com"

type tencentSynth struct {
	client    *tctts.Client
	voiceType int64
	timeout   time.Duration
}

func NewTencentSynth(cfg config.TencentConfig, timeout time.Duration) (Synthesizer, error) {
	if cfg.SecretID == "" || cfg.SecretKey == "" {
		return nil, errors.New("tencent tts requires secret_id and secret_key")
	}
	if cfg.VoiceType == 0 {
		cfg.VoiceType = 1001
	}
	if cfg.Region == "" {
		cfg.Region = "ap-guangzhou"
	}

	credential := common.NewCredential(cfg.SecretID, cfg.SecretKey)
	cpf := profile.NewClientProfile()
	cpf.HttpProfile.Endpoint = tencentEndpoint
	client, err := tctts.NewClient(credential, cfg.Region, cpf)
	if err != nil {
		return nil, fmt.Errorf("create tencent tts client: %w", err)
	}
	return &tencentSynth{client: client, voiceType: cfg.VoiceType, timeout: timeout}, nil
}

func (t *tencentSynth) Synthesize(ctx context.Context, req Request) (Audio, error) {
	ctx, cancel := withRenderTimeout(ctx, t.timeout)
	defer cancel()

	request := tctts.NewTextToVoiceRequest()
	request.Text = common.StringPtr(req.Text)
	request.SessionId = common.StringPtr(fmt.Sprintf("%s-%d", req.SessionID, req.Sequence))
	request.VoiceType = common.Int64Ptr(t.voiceType)
	request.Codec = common.StringPtr("mp3")
	request.Speed = common.Float64Ptr(1.0)
	request.Volume = common.Float64Ptr(5.0)

	response, err := t.client.TextToVoiceWithContext(ctx, request)
	if err != nil {
		return Audio{}, fmt.Errorf("tencent tts: %w", err)
	}
	if response.Response == nil || response.Response.Audio == nil {
		return Audio{}, errors.New("tencent tts returned no audio")
	}
	data, err := base64.StdEncoding.DecodeString(*response.Response.Audio)
	if err != nil {
		return Audio{}, fmt.Errorf("decode tencent audio: %w", err)
	}
	return mp3ToAudio(data)
}
