package authority

import "testing"

func reasoningMeta() ToolMeta {
	return ToolMeta{
		Name:   "llm_caller",
		Domain: DomainReasoning,
		ProhibitedOutputs: []string{
			ProhibitNumericData,
			ProhibitFactualClaims,
			ProhibitRealTimeData,
		},
	}
}

func success(response string) map[string]any {
	return map[string]any{"status": "success", "response": response}
}

func TestValidateCleanOutput(t *testing.T) {
	res := Validate(reasoningMeta(), map[string]any{"prompt": "summarize"}, success("The plan ran fine."))
	if !res.Valid || res.Quality != QualityCorrect || len(res.Violations) != 0 {
		t.Fatalf("clean output: got %+v", res)
	}
}

func TestValidateNumericFabrication(t *testing.T) {
	res := Validate(reasoningMeta(), map[string]any{"prompt": "what do you think"}, success("The stock rose 4.2% overnight."))
	if res.Valid {
		t.Fatalf("numeric fabrication not flagged: %+v", res)
	}
	if res.Quality != QualityDegraded {
		t.Fatalf("single violation quality: got %q want degraded", res.Quality)
	}
}

func TestValidateMultipleViolations(t *testing.T) {
	out := success("As of today the current price is $152.30 according to the market.")
	res := Validate(reasoningMeta(), map[string]any{"prompt": "tell me"}, out)
	if res.Valid {
		t.Fatalf("violations not flagged: %+v", res)
	}
	if res.Quality != QualityViolated {
		t.Fatalf("multiple violations quality: got %q want violated", res.Quality)
	}
	if len(res.Violations) < 2 {
		t.Fatalf("violation count: got %d want >= 2", len(res.Violations))
	}
}

func TestValidateSynthesisPromptSuppressesFactualClaims(t *testing.T) {
	inputs := map[string]any{"prompt": "Based on step 2, describe the weather result."}
	res := Validate(ToolMeta{
		Name:              "llm_caller",
		Domain:            DomainReasoning,
		ProhibitedOutputs: []string{ProhibitFactualClaims},
	}, inputs, success("Currently it is raining according to the data."))
	if !res.Valid {
		t.Fatalf("synthesis prompt still flagged factual claims: %+v", res)
	}
}

func TestValidateFailedStatusSkipsValidation(t *testing.T) {
	res := Validate(reasoningMeta(), nil, map[string]any{"status": "error", "error": "boom"})
	if !res.Valid || res.Quality != QualityFailed {
		t.Fatalf("failed status: got %+v", res)
	}
}

func TestValidateNonReasoningDomainPasses(t *testing.T) {
	meta := ToolMeta{Name: "weather_fetcher", Domain: DomainData}
	res := Validate(meta, nil, success("Temperature is 21.5 and the price of nothing."))
	if !res.Valid || res.Quality != QualityCorrect {
		t.Fatalf("data domain output validated: %+v", res)
	}
}

func TestValidateRealTimeReference(t *testing.T) {
	res := Validate(ToolMeta{
		Name:              "llm_caller",
		Domain:            DomainReasoning,
		ProhibitedOutputs: []string{ProhibitRealTimeData},
	}, map[string]any{"prompt": "thoughts?"}, success("The latest report shows growth."))
	if res.Valid {
		t.Fatalf("real-time reference not flagged: %+v", res)
	}
}

func TestCheckFabricationRisk(t *testing.T) {
	meta := reasoningMeta()

	risky := CheckFabricationRisk(meta, map[string]any{"prompt": "What is the price of AAPL right now?"})
	if !risky.High {
		t.Fatalf("real-time ask not flagged")
	}

	computeNoData := CheckFabricationRisk(meta, map[string]any{"prompt": "Calculate the trend for the quarter."})
	if !computeNoData.High {
		t.Fatalf("compute-without-data not flagged")
	}

	computeWithSteps := CheckFabricationRisk(meta, map[string]any{"prompt": "Calculate the average from step 2 values."})
	if computeWithSteps.High {
		t.Fatalf("step-grounded compute flagged: %+v", computeWithSteps)
	}

	dataTool := CheckFabricationRisk(ToolMeta{Name: "weather_fetcher", Domain: DomainData}, map[string]any{"prompt": "get weather"})
	if dataTool.High {
		t.Fatalf("data tool flagged: %+v", dataTool)
	}
}
