package redact

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keepgoing-assistant/internal/apperr"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type failingDetector struct {
	category Category
	panics   bool
}

func (d failingDetector) Category() Category { return d.category }

func (d failingDetector) Find(string) ([]Match, error) {
	if d.panics {
		panic("boom")
	}
	return nil, errors.New("detector broke")
}

func TestAnonymizeNameAndPhoneRoundTrip(t *testing.T) {
	l := New()
	lease := l.Open(ChatTurn)
	defer lease.Close()

	in := "My name is Jane Smith, call me on 0412 345 678"
	out, err := l.Anonymize(lease.ID(), in)
	require.NoError(t, err)

	assert.NotContains(t, out, "Jane")
	assert.NotContains(t, out, "0412")
	assert.Contains(t, out, "<NAME_1>")
	assert.Contains(t, out, "<PHONE_1>")
	assert.Equal(t, []Category{Phone, Name}, l.Categories(lease.ID()))

	assert.Equal(t, in, l.DeAnonymize(lease.ID(), out))
}

func TestAnonymizeIsIdempotentWithinSession(t *testing.T) {
	l := New()
	lease := l.Open(ChatTurn)
	defer lease.Close()

	first, err := l.Anonymize(lease.ID(), "email me at jane@example.com please")
	require.NoError(t, err)
	second, err := l.Anonymize(lease.ID(), "did jane@example.com get it? jane@example.com")
	require.NoError(t, err)

	assert.Equal(t, "email me at <EMAIL_1> please", first)
	assert.Equal(t, "did <EMAIL_1> get it? <EMAIL_1>", second)
	assert.Len(t, l.Mappings(lease.ID()), 1)
}

func TestAnonymizeSessionsAreIsolated(t *testing.T) {
	l := New()
	a := l.Open(ChatTurn)
	b := l.Open(ChatTurn)
	defer a.Close()
	defer b.Close()

	outA, err := l.Anonymize(a.ID(), "a@example.com and b@example.com")
	require.NoError(t, err)
	outB, err := l.Anonymize(b.ID(), "b@example.com")
	require.NoError(t, err)

	assert.Equal(t, "<EMAIL_1> and <EMAIL_2>", outA)
	assert.Equal(t, "<EMAIL_1>", outB)
	assert.Equal(t, "a@example.com", l.DeAnonymize(a.ID(), "<EMAIL_1>"))
	assert.Equal(t, "b@example.com", l.DeAnonymize(b.ID(), "<EMAIL_1>"))
}

func TestAnonymizeNoPIIRoundTrip(t *testing.T) {
	l := New()
	lease := l.Open(ChatTurn)
	defer lease.Close()

	for _, in := range []string{"", "how much water should i drink each day?", "tips for sleeping better"} {
		out, err := l.Anonymize(lease.ID(), in)
		require.NoError(t, err)
		assert.Equal(t, in, out)
		assert.Equal(t, in, l.DeAnonymize(lease.ID(), out))
	}
}

func TestAnonymizeHealthCategories(t *testing.T) {
	l := New()
	lease := l.Open(Clinical)
	defer lease.Close()

	in := "I have type 2 diabetes and take metformin 500mg. I'm allergic to penicillin. My blood pressure was 140/90 mmHg."
	out, err := l.Anonymize(lease.ID(), in)
	require.NoError(t, err)

	assert.Contains(t, out, "<DIAGNOSIS_1>")
	assert.Contains(t, out, "<MEDICATION_1>")
	assert.Contains(t, out, "<ALLERGY_1>")
	assert.Contains(t, out, "<HEALTH_METRIC_1>")
	assert.NotContains(t, out, "diabetes")
	assert.NotContains(t, out, "metformin")
	assert.NotContains(t, out, "penicillin")
	assert.NotContains(t, out, "140/90")
	assert.Equal(t, in, l.DeAnonymize(lease.ID(), out))
}

func TestAnonymizeAddressConsumesPostcode(t *testing.T) {
	l := New()
	lease := l.Open(ChatTurn)
	defer lease.Close()

	out, err := l.Anonymize(lease.ID(), "I live at 12 Campbell Parade, Bondi NSW 2026")
	require.NoError(t, err)
	assert.Equal(t, "I live at <ADDRESS_1>", out)
	assert.Equal(t, []Category{Address}, l.Categories(lease.ID()))
}

func TestAnonymizeAllowlistIsNotAName(t *testing.T) {
	l := New(WithAllowlist("Health Score", "Daily Check-In"))
	lease := l.Open(ChatTurn)
	defer lease.Close()

	out, err := l.Anonymize(lease.ID(), "Where do I find my Health Score?")
	require.NoError(t, err)
	assert.Equal(t, "Where do I find my Health Score?", out)
}

func TestAnonymizeNamesWithInternalCapitals(t *testing.T) {
	cases := []struct {
		in, want, value string
	}{
		{"My name is Sarah McDonald and I need help", "My name is <NAME_1> and I need help", "Sarah McDonald"},
		{"I'm Sean O'Brien", "I'm <NAME_1>", "Sean O'Brien"},
		{"Please ask for Fiona MacKenzie at reception", "Please ask for <NAME_1> at reception", "Fiona MacKenzie"},
	}
	for _, tc := range cases {
		t.Run(tc.value, func(t *testing.T) {
			l := New()
			lease := l.Open(ChatTurn)
			defer lease.Close()

			out, err := l.Anonymize(lease.ID(), tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, out)

			mappings := l.Mappings(lease.ID())
			require.Len(t, mappings, 1)
			assert.Equal(t, tc.value, mappings[0].Value)
			assert.Equal(t, tc.in, l.DeAnonymize(lease.ID(), out))

			scanned, leaks, err := l.LeakScan(lease.ID(), "Say hi to "+tc.value+" for me")
			require.NoError(t, err)
			assert.Len(t, leaks, 1)
			assert.Equal(t, "Say hi to [person] for me", scanned)
		})
	}
}

func TestAnonymizeOnlyRecordsAppliedTokens(t *testing.T) {
	l := New()
	lease := l.Open(ChatTurn)
	defer lease.Close()

	out, err := l.Anonymize(lease.ID(), "Dr McKay said Tom O'Neil can call (02) 9365 1234")
	require.NoError(t, err)
	for _, m := range l.Mappings(lease.ID()) {
		assert.Contains(t, out, m.Token)
		assert.NotContains(t, out, m.Value)
	}
	assert.NotContains(t, out, "McKay")
	assert.NotContains(t, out, "Neil")
}

func TestAnonymizeBracketedLandline(t *testing.T) {
	l := New()
	lease := l.Open(ChatTurn)
	defer lease.Close()

	out, err := l.Anonymize(lease.ID(), "ring me on (02) 9365 1234 after lunch")
	require.NoError(t, err)
	assert.Equal(t, "ring me on <PHONE_1> after lunch", out)
	assert.True(t, l.Detect("(03) 9123-4567", Phone))
}

func TestAllowlistNeedsWholePhraseAndSparesHighRisk(t *testing.T) {
	l := New(WithAllowlist("sleep apnoea clinic", "Jane Smith Clinic", "Health  Score"))
	lease := l.Open(Clinical)
	defer lease.Close()

	out, err := l.Anonymize(lease.ID(), "My sleep apnoea is worse. I'm Jane Smith. Is the Health Score useful?")
	require.NoError(t, err)
	assert.NotContains(t, out, "sleep apnoea")
	assert.NotContains(t, out, "Jane Smith")
	assert.Contains(t, out, "<DIAGNOSIS_1>")
	assert.Contains(t, out, "<NAME_1>")
	assert.Contains(t, out, "Health Score")

	l = New(WithAllowlist("sleep apnoea"))
	lease2 := l.Open(Clinical)
	defer lease2.Close()
	out, err = l.Anonymize(lease2.ID(), "my sleep apnoea is worse")
	require.NoError(t, err)
	assert.Equal(t, "my <DIAGNOSIS_1> is worse", out)
}

func TestAnonymizeUnknownSessionFails(t *testing.T) {
	l := New()
	_, err := l.Anonymize("missing", "call 0412 345 678")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.Redaction)
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestAnonymizeFailsOpenForLowRiskCategory(t *testing.T) {
	l := New(WithDetectors(failingDetector{category: Phone}, DefaultDetectors()[0]))
	lease := l.Open(ChatTurn)
	defer lease.Close()

	out, err := l.Anonymize(lease.ID(), "0412 345 678 or jane@example.com")
	require.NoError(t, err)
	assert.Equal(t, "0412 345 678 or <EMAIL_1>", out)
}

func TestAnonymizeHighRiskDetectorFaultIsFatal(t *testing.T) {
	for _, panics := range []bool{false, true} {
		l := New(WithDetectors(failingDetector{category: Medication, panics: panics}))
		lease := l.Open(ChatTurn)

		_, err := l.Anonymize(lease.ID(), "I take something")
		require.Error(t, err)
		assert.True(t, apperr.Fatal(err))
		assert.ErrorIs(t, err, apperr.Redaction)
		lease.Close()
	}
}

func TestAnonymizeInvalidUTF8IsFatal(t *testing.T) {
	l := New()
	lease := l.Open(ChatTurn)
	defer lease.Close()

	_, err := l.Anonymize(lease.ID(), "I take \xff\xfe metformin")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.Redaction)
}

func TestDeAnonymizeUnknownTokensBecomePlaceholders(t *testing.T) {
	l := New()
	lease := l.Open(ChatTurn)
	defer lease.Close()

	_, err := l.Anonymize(lease.ID(), "I'm Jane")
	require.NoError(t, err)

	got := l.DeAnonymize(lease.ID(), "Hi <NAME_1>, ask <NAME_7> or call <PHONE_3> about <SECRET_1>")
	assert.Equal(t, "Hi Jane, ask [person] or call [phone number] about [redacted]", got)

	assert.Equal(t, "Hi [person]", l.DeAnonymize("no-such-session", "Hi <NAME_1>"))
}

func TestDeAnonymizeModelInventedTokenShapes(t *testing.T) {
	l := New()
	lease := l.Open(ChatTurn)
	defer lease.Close()

	_, err := l.Anonymize(lease.ID(), "I'm Jane")
	require.NoError(t, err)

	got := l.DeAnonymize(lease.ID(), "Hi <NAME>, <name_1> here. Your <Phone> reminder is <b>set</b> for <secret_2>.")
	assert.Equal(t, "Hi [person], Jane here. Your [phone number] reminder is <b>set</b> for [redacted].", got)
	assert.Equal(t, "Hi [person] and [person]", l.DeAnonymize("no-such-session", "Hi <name> and <NAME_9>"))
}

func TestLeakScan(t *testing.T) {
	l := New()
	lease := l.Open(ChatTurn)
	defer lease.Close()

	_, err := l.Anonymize(lease.ID(), "My name is Jane Smith")
	require.NoError(t, err)

	t.Run("tokens pass", func(t *testing.T) {
		out, leaks, err := l.LeakScan(lease.ID(), "Thanks <NAME_1>, drink more water.")
		require.NoError(t, err)
		assert.Empty(t, leaks)
		assert.Equal(t, "Thanks <NAME_1>, drink more water.", out)
	})

	t.Run("raw identifiers replaced", func(t *testing.T) {
		out, leaks, err := l.LeakScan(lease.ID(), "Jane Smith should email bob@example.com")
		require.NoError(t, err)
		require.Len(t, leaks, 2)
		assert.Equal(t, "[person] should email [email address]", out)
	})

	t.Run("trusted spans pass", func(t *testing.T) {
		text := "Try Bondi Yoga Studio on 02 9365 1234."
		out, leaks, err := l.LeakScan(lease.ID(), text, "Bondi Yoga Studio", "02 9365 1234")
		require.NoError(t, err)
		assert.Empty(t, leaks)
		assert.Equal(t, text, out)
	})

	t.Run("does not mint tokens", func(t *testing.T) {
		before := len(l.Mappings(lease.ID()))
		_, _, err := l.LeakScan(lease.ID(), "call 0412 345 678")
		require.NoError(t, err)
		assert.Len(t, l.Mappings(lease.ID()), before)
	})
}

func TestLeakScanThenDeAnonymizeNeverShowsRawToken(t *testing.T) {
	l := New()
	lease := l.Open(ChatTurn)
	defer lease.Close()

	scanned, _, err := l.LeakScan(lease.ID(), "Please contact <NAME_4> today")
	require.NoError(t, err)
	final := l.DeAnonymize(lease.ID(), scanned)
	assert.Equal(t, "Please contact [person] today", final)
	assert.False(t, tokenPattern.MatchString(final))
}

func TestExpireDefersWhilePinned(t *testing.T) {
	l := New()
	lease := l.Open(ChatTurn)
	out, err := l.Anonymize(lease.ID(), "jane@example.com")
	require.NoError(t, err)

	assert.False(t, l.Expire(lease.ID()))
	assert.Equal(t, "jane@example.com", l.DeAnonymize(lease.ID(), out))

	lease.Close()
	assert.Equal(t, 0, l.Len())
	assert.Equal(t, "[email address]", l.DeAnonymize(lease.ID(), out))
	lease.Close()
}

func TestSweepRespectsPinsAndExpiry(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	l := New(WithClock(clock.Now), WithTTL(ChatTurn, time.Minute))

	pinned := l.Open(ChatTurn)
	released := l.Open(ChatTurn)
	released.Close()
	require.Equal(t, 2, l.Len())

	assert.Equal(t, 0, l.Sweep(), "nothing has expired yet")

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, l.Sweep())
	assert.Equal(t, 1, l.Len(), "pinned session survives its expiry")

	pinned.Close()
	assert.Equal(t, 0, l.Len(), "closing an expired session removes it")
}

func TestConcurrentAnonymizeSameSession(t *testing.T) {
	l := New()
	lease := l.Open(ChatTurn)
	defer lease.Close()

	var wg sync.WaitGroup
	results := make([]string, 32)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := l.Anonymize(lease.ID(), "reach me at jane@example.com or 0412 345 678")
			assert.NoError(t, err)
			results[i] = out
		}(i)
	}
	// Expire and sweep concurrently with in-flight calls.
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.Expire(lease.ID())
		l.Sweep()
	}()
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, results[0], r)
	}
	assert.Len(t, l.Mappings(lease.ID()), 2)
}

func TestDetect(t *testing.T) {
	l := New()
	assert.True(t, l.Detect("12 Campbell Parade, Bondi", Address, Phone, Email))
	assert.True(t, l.Detect("0412 345 678", Phone))
	assert.False(t, l.Detect("Bondi", Address, Phone, Email))
	assert.False(t, l.Detect(strings.Repeat(" ", 3)))
}
