package tokenmeter

// resolveModel resolves a model name through aliases.
// Returns nil when the name is not an alias.
func resolveModel(cfg Config, model string) []ModelRef {
	for _, m := range cfg.Models {
		if m.Alias == model {
			return m.Models
		}
	}
	return nil
}

// buildCandidates creates the list of possible upstreams for a model,
// in configuration order, skipping upstreams whose circuit is open. Each
// candidate carries the request's token estimate so policies can price it.
func buildCandidates(cfg Config, providers map[string]Provider, health *HealthTracker, model string, promptTokens, completionTokens int64) []Candidate {
	refs := resolveModel(cfg, model)
	var candidates []Candidate

	for _, up := range cfg.Upstreams {
		prov, ok := providers[up.Provider]
		if !ok {
			continue
		}

		state := health.GetHealth(up.ID)
		if state == HealthUnhealthy {
			continue
		}

		for _, m := range modelsForUpstream(refs, up, prov, model) {
			candidates = append(candidates, Candidate{
				Provider:           prov,
				UpstreamID:         up.ID,
				Auth:               up.Auth,
				Model:              m,
				Health:             state,
				CostPerInputToken:  up.CostPerInputToken,
				CostPerOutputToken: up.CostPerOutputToken,
				PromptTokens:       promptTokens,
				CompletionTokens:   completionTokens,
			})
		}
	}

	return candidates
}

// modelsForUpstream returns the models to try on a given upstream.
func modelsForUpstream(refs []ModelRef, up UpstreamConfig, prov Provider, model string) []string {
	if len(refs) > 0 {
		var models []string
		for _, ref := range refs {
			if ref.Provider == up.Provider {
				models = append(models, ref.Model)
			}
		}
		return models
	}

	if model != "" && prov.SupportsModel(model) {
		return []string{model}
	}
	return nil
}
