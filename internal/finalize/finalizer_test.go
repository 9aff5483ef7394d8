package finalize

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keepgoing-assistant/internal/apperr"
	"keepgoing-assistant/internal/features"
	"keepgoing-assistant/internal/llm"
	"keepgoing-assistant/internal/redact"
)

type stubValidator struct {
	verdict Verdict
	err     error
	calls   int
}

func (s *stubValidator) Validate(context.Context, string, ValidationContext) (Verdict, error) {
	s.calls++
	return s.verdict, s.err
}

func newFinalizer(v Validator) (*Finalizer, *redact.Ledger) {
	catalog := features.NewCatalog(nil)
	ledger := redact.New(redact.WithAllowlist(catalog.Names()...))
	return New(v, catalog, ledger), ledger
}

func TestFinalizeNotRequired(t *testing.T) {
	v := &stubValidator{}
	f, _ := newFinalizer(v)

	out, err := f.Finalize(context.Background(), "Drink water through the day.", ValidationContext{}, "s")
	require.NoError(t, err)
	assert.Equal(t, StatusNotRequired, out.Status)
	assert.Equal(t, "Drink water through the day.", out.FinalText)
	assert.Empty(t, out.Corrections)
	assert.Zero(t, v.calls)
}

func TestFinalizeValidatedApproved(t *testing.T) {
	v := &stubValidator{verdict: Verdict{Approved: true, Agreement: 0.95}}
	f, _ := newFinalizer(v)

	out, err := f.Finalize(context.Background(), "Rest and stay hydrated.", ValidationContext{RequiresValidation: true}, "s")
	require.NoError(t, err)
	assert.Equal(t, StatusValidatedApproved, out.Status)
	assert.Equal(t, "Rest and stay hydrated.", out.FinalText)
	assert.Equal(t, 1, v.calls)
}

func TestFinalizeValidatorCorrection(t *testing.T) {
	v := &stubValidator{verdict: Verdict{Approved: false, Agreement: 0.2, CorrectedText: "Please ask your GP before changing any dose.", Issues: []string{"dosing advice"}}}
	f, _ := newFinalizer(v)

	out, err := f.Finalize(context.Background(), "Double your dose tonight.", ValidationContext{RequiresValidation: true}, "s")
	require.NoError(t, err)
	assert.Equal(t, StatusValidatedCorrected, out.Status)
	assert.Equal(t, "Please ask your GP before changing any dose.", out.FinalText)
	require.Len(t, out.Corrections, 1)
	assert.Equal(t, StageCrossValidation, out.Corrections[0].Stage)
}

func TestFinalizeMildDisagreementKeepsDraft(t *testing.T) {
	v := &stubValidator{verdict: Verdict{Approved: false, Agreement: 0.7, CorrectedText: "something else"}}
	f, _ := newFinalizer(v)

	out, err := f.Finalize(context.Background(), "Gentle stretching can help.", ValidationContext{RequiresValidation: true}, "s")
	require.NoError(t, err)
	assert.Equal(t, "Gentle stretching can help.", out.FinalText)
	assert.Equal(t, StatusValidatedApproved, out.Status)
}

func TestFinalizeValidatorFailureIsAbsorbed(t *testing.T) {
	v := &stubValidator{err: apperr.New(apperr.KindValidationProvider, "test", errors.New("timeout"))}
	f, _ := newFinalizer(v)

	out, err := f.Finalize(context.Background(), "Keep a regular bedtime.", ValidationContext{RequiresValidation: true}, "s")
	require.NoError(t, err)
	assert.True(t, out.Unvalidated)
	assert.Equal(t, StatusNotRequired, out.Status)
	assert.Equal(t, "Keep a regular bedtime.", out.FinalText)
	require.Len(t, out.Corrections, 1)
}

func TestFinalizeSkipCrossValidation(t *testing.T) {
	v := &stubValidator{}
	f, _ := newFinalizer(v)

	_, err := f.Finalize(context.Background(), "Here are two studios.", ValidationContext{RequiresValidation: true, SkipCrossValidation: true}, "s")
	require.NoError(t, err)
	assert.Zero(t, v.calls)
}

func TestFinalizeFeatureWhitelist(t *testing.T) {
	f, _ := newFinalizer(nil)

	t.Run("known features pass", func(t *testing.T) {
		in := "Your Health Score updates weekly. Use the Mood Tracker feature to log how you feel."
		out, err := f.Finalize(context.Background(), in, ValidationContext{}, "s")
		require.NoError(t, err)
		assert.Equal(t, in, out.FinalText)
		assert.Equal(t, StatusNotRequired, out.Status)
	})

	t.Run("close match substituted", func(t *testing.T) {
		out, err := f.Finalize(context.Background(), "Open the Sleep Tracker each morning.", ValidationContext{}, "s")
		require.NoError(t, err)
		assert.Equal(t, "Open the Sleep Diary each morning.", out.FinalText)
		assert.Equal(t, StatusValidatedCorrected, out.Status)
		require.Len(t, out.Corrections, 1)
		assert.Equal(t, StageFeatureWhitelist, out.Corrections[0].Stage)
	})

	t.Run("invented feature removed", func(t *testing.T) {
		out, err := f.Finalize(context.Background(), "Eat more fibre. Try our Recipe Generator tool for ideas. Walk daily.", ValidationContext{}, "s")
		require.NoError(t, err)
		assert.Equal(t, "Eat more fibre. Walk daily.", out.FinalText)
	})
}

func TestFinalizeLeakScan(t *testing.T) {
	f, ledger := newFinalizer(nil)
	lease := ledger.Open(redact.ChatTurn)
	defer lease.Close()

	out, err := f.Finalize(context.Background(), "Email the clinic at help@clinic.example for a referral.", ValidationContext{}, lease.ID())
	require.NoError(t, err)
	assert.Equal(t, StatusSanitized, out.Status)
	assert.Equal(t, "Email the clinic at [email address] for a referral.", out.FinalText)

	trusted := "Bondi Yoga Studio, 02 9365 1234"
	out, err = f.Finalize(context.Background(), "Try "+trusted+".", ValidationContext{TrustedSpans: []string{trusted}}, lease.ID())
	require.NoError(t, err)
	assert.Equal(t, StatusNotRequired, out.Status)
	assert.Equal(t, "Try "+trusted+".", out.FinalText)
}

type scriptedLLM struct {
	reply string
	err   error
}

func (s scriptedLLM) Model() string { return "validator" }
func (s scriptedLLM) Chat(context.Context, []llm.Message) (string, error) {
	return s.reply, s.err
}

func TestLLMValidatorParsesVerdict(t *testing.T) {
	v, err := NewLLMValidator(scriptedLLM{reply: "```json\n{\"approved\": false, \"agreement\": 0.3, \"corrected_text\": \" Safer text. \", \"issues\": [\"x\"]}\n```"}, time.Second)
	require.NoError(t, err)

	verdict, err := v.Validate(context.Background(), "draft", ValidationContext{})
	require.NoError(t, err)
	assert.False(t, verdict.Approved)
	assert.Equal(t, 0.3, verdict.Agreement)
	assert.Equal(t, "Safer text.", verdict.CorrectedText)
}

func TestLLMValidatorRejectsBadVerdicts(t *testing.T) {
	for name, reply := range map[string]string{
		"no json":        "looks fine to me",
		"schema":         `{"approved": "yes", "agreement": 2}`,
		"missing fields": `{"issues": []}`,
	} {
		t.Run(name, func(t *testing.T) {
			v, err := NewLLMValidator(scriptedLLM{reply: reply}, time.Second)
			require.NoError(t, err)
			_, err = v.Validate(context.Background(), "draft", ValidationContext{})
			assert.ErrorIs(t, err, apperr.ValidationProvider)
		})
	}

	v, err := NewLLMValidator(scriptedLLM{err: errors.New("down")}, time.Second)
	require.NoError(t, err)
	_, err = v.Validate(context.Background(), "draft", ValidationContext{})
	assert.ErrorIs(t, err, apperr.ValidationProvider)
}
