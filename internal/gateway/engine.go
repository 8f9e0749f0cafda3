package gateway

import (
	"github.com/stellarlinkco/heartflow/internal/config"
	"github.com/stellarlinkco/heartflow/internal/heartflow"
)

// EngineOptions maps the config file onto engine options.
func EngineOptions(cfg *config.Config) heartflow.Options {
	hf := cfg.Heartflow
	af := cfg.Affinity
	return heartflow.Options{
		Enabled:            hf.Enabled,
		Threshold:          hf.ReplyThreshold,
		ContextMessages:    hf.ContextMessages,
		MaxBufferSize:      hf.MaxBufferSize,
		PersonaMinLength:   hf.PersonaMinLength,
		EnergyDecayRate:    hf.EnergyDecayRate,
		EnergyRecoveryRate: hf.EnergyRecoveryRate,
		Whitelist: heartflow.WhitelistOptions{
			Enabled: hf.Whitelist.Enabled,
			Chats:   hf.Whitelist.Chats,
		},
		Weights:                 weights(hf.Weights),
		MaxRetries:              cfg.JudgeMaxRetries(),
		IncludeReasoning:        cfg.JudgeIncludeReasoning(),
		IncludeImages:           cfg.Judge.IncludeImages,
		JudgePromptTemplate:     cfg.Judge.PromptTemplate,
		SummarizePromptTemplate: cfg.Judge.SummarizePromptTemplate,
		Affinity: heartflow.LedgerOptions{
			Enabled:   af.Enabled,
			Initial:   cfg.AffinityInitialValue(),
			DailyRate: af.DailyDecayRate,
			Weights:   weights(af.Weights),
			Global: heartflow.GlobalOptions{
				Enabled:          af.Global.Enabled,
				WhitelistEnabled: af.Global.WhitelistEnabled,
				Whitelist:        af.Global.Whitelist,
			},
		},
		ImpactStrength: cfg.AffinityImpactStrength(),
	}
}

func weights(w config.WeightsConfig) heartflow.Weights {
	return heartflow.Weights{
		Relevance:   w.Relevance,
		Willingness: w.Willingness,
		Social:      w.Social,
		Timing:      w.Timing,
		Continuity:  w.Continuity,
	}
}
