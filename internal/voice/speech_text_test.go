package voice

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSanitizeSpeechText(t *testing.T) {
	cases := map[string]struct {
		in, want string
	}{
		"emoji and bold":      {"Your refund is on its way 😊 **today**.", "Your refund is on its way today."},
		"link label kept":     {"See [our returns page](https://shop.example/returns) for details.", "See our returns page for details."},
		"code removed":        {"Run ```\nreset\n``` or `restart` ✅", "Run or"},
		"list bullets":        {"Options:\n- billing\n- delivery\n2. cancel", "Options: billing delivery cancel"},
		"danda preserved":     {"आपका ऑर्डर भेज दिया गया है। **धन्यवाद**", "आपका ऑर्डर भेज दिया गया है। धन्यवाद"},
		"symbol runs":         {"Order***4412///shipped", "Order 4412 shipped"},
		"only markup":         {"*** ~~ ###", ""},
		"leading punctuation": {"«Hello»", "Hello"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			if got := sanitizeSpeechText(tc.in); got != tc.want {
				t.Fatalf("sanitizeSpeechText(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestSanitizeSpeechTextCapsLength(t *testing.T) {
	sentence := "Your order has shipped and should arrive soon. "
	got := sanitizeSpeechText(strings.Repeat(sentence, 40))
	if n := utf8.RuneCountInString(got); n > maxSpokenRunes {
		t.Fatalf("len = %d runes, want <= %d", n, maxSpokenRunes)
	}
	if !strings.HasSuffix(got, "soon.") {
		t.Fatalf("truncated text should end on a sentence: %q", got[len(got)-20:])
	}
}

func TestTruncateSpokenWithoutBoundary(t *testing.T) {
	if got := truncateSpoken("abcdefghij", 4); got != "abcd" {
		t.Fatalf("truncateSpoken() = %q, want abcd", got)
	}
	if got := truncateSpoken("short", 0); got != "short" {
		t.Fatalf("truncateSpoken(limit 0) = %q, want unchanged", got)
	}
}

func TestJoinSpoken(t *testing.T) {
	cases := []struct {
		reply, closing, want string
	}{
		{"Sure", "Thank you for calling.", "Sure. Thank you for calling."},
		{"Done!", "Goodbye.", "Done! Goodbye."},
		{"ठीक है।", "धन्यवाद!", "ठीक है। धन्यवाद!"},
		{"", "Goodbye.", "Goodbye."},
		{"Only reply", "", "Only reply"},
	}
	for _, tc := range cases {
		if got := joinSpoken(tc.reply, tc.closing); got != tc.want {
			t.Fatalf("joinSpoken(%q, %q) = %q, want %q", tc.reply, tc.closing, got, tc.want)
		}
	}
}
