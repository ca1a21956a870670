package payments

import (
	"html"
	"regexp"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/language"
)

// MessageKind categorises a gateway outcome for user-facing rendering.
type MessageKind string

const (
	MessageGeneric           MessageKind = "generic"
	MessageSessionExpired    MessageKind = "session_expired"
	MessageSessionNotFound   MessageKind = "session_not_found"
	MessageAlreadyCompleted  MessageKind = "already_completed"
	MessageSecurity          MessageKind = "security"
	MessageDeclined          MessageKind = "declined"
	MessageInsufficientFunds MessageKind = "insufficient_funds"
	MessageLimitExceeded     MessageKind = "limit_exceeded"
	MessageInvalidCard       MessageKind = "invalid_card"
	MessageFraud             MessageKind = "fraud"
	MessageTimeout           MessageKind = "timeout"
	// MessageGateway carries the gateway's own wording, already in the target language.
	MessageGateway MessageKind = "gateway"
)

const maxPassThroughRunes = 240

// UserMessage is a localized sentence shown to the shopper.
type UserMessage struct {
	Kind      MessageKind
	Text      string
	Retryable bool
}

var (
	supportedLocales = []language.Tag{language.Turkish, language.English}
	localeMatcher    = language.NewMatcher(supportedLocales)

	catalog = map[language.Tag]map[MessageKind]string{
		language.Turkish: {
			MessageGeneric:           "Ödeme işlemi başarısız oldu. Lütfen tekrar deneyin.",
			MessageSessionExpired:    "Ödeme oturumunuzun süresi doldu. Lütfen sayfayı yenileyip tekrar deneyin.",
			MessageSessionNotFound:   "Ödeme oturumu bulunamadı. Lütfen sepetinize dönüp tekrar deneyin.",
			MessageAlreadyCompleted:  "Bu ödeme daha önce tamamlanmış.",
			MessageSecurity:          "Bankanızın güvenlik doğrulaması başarısız oldu. Lütfen bankanızla iletişime geçin veya farklı bir kart deneyin.",
			MessageDeclined:          "Kartınız reddedildi. Lütfen farklı bir kart deneyin.",
			MessageInsufficientFunds: "Kartınızda yeterli bakiye bulunmuyor. Lütfen farklı bir kart deneyin.",
			MessageLimitExceeded:     "Kart limitiniz aşıldı. Lütfen farklı bir kart deneyin veya bankanızla iletişime geçin.",
			MessageInvalidCard:       "Kart bilgileri geçersiz. Lütfen kart numarası, son kullanma tarihi ve CVC bilgilerini kontrol edin.",
			MessageFraud:             "İşlem bankanız tarafından güvenlik nedeniyle engellendi. Lütfen bankanızla iletişime geçin.",
			MessageTimeout:           "Banka bağlantısı zaman aşımına uğradı. Lütfen tekrar deneyin.",
		},
		language.English: {
			MessageGeneric:           "Payment failed. Please try again.",
			MessageSessionExpired:    "Your payment session has expired. Please refresh the page and try again.",
			MessageSessionNotFound:   "Payment session not found. Please return to your cart and try again.",
			MessageAlreadyCompleted:  "This payment has already been completed.",
			MessageSecurity:          "Your bank's security verification failed. Please contact your bank or try another card.",
			MessageDeclined:          "Your card was declined. Please try another card.",
			MessageInsufficientFunds: "Your card has insufficient funds. Please try another card.",
			MessageLimitExceeded:     "Your card limit has been exceeded. Please try another card or contact your bank.",
			MessageInvalidCard:       "Card details are invalid. Please check the card number, expiry date and CVC.",
			MessageFraud:             "The transaction was blocked by your bank for security reasons. Please contact your bank.",
			MessageTimeout:           "The connection to the bank timed out. Please try again.",
		},
	}

	retryableKinds = map[MessageKind]bool{
		MessageGeneric: true,
		MessageTimeout: true,
	}

	threeDSPattern = regexp.MustCompile(`\b3-?ds?\b`)
	passThrough    = bluemonday.StrictPolicy()
)

type rule struct {
	kind     MessageKind
	codes    []string
	keywords []string
}

var (
	securityRule = rule{
		kind:     MessageSecurity,
		keywords: []string{"secure", "security", "mdstatus", "authentication", "güvenlik doğrulama", "kimlik doğrulama"},
	}
	declinedRule = rule{
		kind:     MessageDeclined,
		codes:    []string{"05", "10005", "57", "10057", "58", "10058", "card_declined", "generic_decline", "do_not_honor"},
		keywords: []string{"declined", "decline", "do not honour", "do not honor", "reddedildi", "onaylanmadı", "onaylanmadi", "onay verilmedi"},
	}
	insufficientRule = rule{
		kind:     MessageInsufficientFunds,
		codes:    []string{"51", "10051", "insufficient_funds"},
		keywords: []string{"insufficient", "yetersiz bakiye", "bakiye yetersiz", "bakiyesi yetersiz", "yetersiz"},
	}
	limitRule = rule{
		kind:     MessageLimitExceeded,
		codes:    []string{"61", "65", "10061", "10065", "card_velocity_exceeded"},
		keywords: []string{"limit", "exceed", "aşıldı", "aşılmış"},
	}
	invalidCardRule = rule{
		kind:  MessageInvalidCard,
		codes: []string{"14", "54", "82", "10014", "10054", "10084", "10215", "incorrect_number", "invalid_number", "invalid_cvc", "incorrect_cvc", "expired_card", "invalid_expiry_month", "invalid_expiry_year"},
		keywords: []string{
			"invalid card", "card number", "cvc", "cvv", "expiry", "expiration", "expired card",
			"geçersiz kart", "kart numarası", "hatalı kart", "kart bilgileri", "son kullanma",
		},
	}
	fraudRule = rule{
		kind:     MessageFraud,
		codes:    []string{"34", "41", "43", "10034", "10041", "10043", "10093", "fraudulent", "lost_card", "stolen_card", "pickup_card"},
		keywords: []string{"fraud", "suspect", "stolen", "lost card", "dolandırıcılık", "sahtecilik", "şüpheli", "çalıntı", "kayıp kart"},
	}
	timeoutRule = rule{
		kind:     MessageTimeout,
		codes:    []string{"91", "10091", "10219", "timeout"},
		keywords: []string{"timeout", "timed out", "time out", "connection", "unreachable", "zaman aşımı", "bağlantı", "ulaşılamıyor"},
	}
)

func (r rule) matches(code, text string) bool {
	for _, c := range r.codes {
		if code == c {
			return true
		}
	}
	return containsAny(text, r.keywords...)
}

// Classifier renders gateway outcomes in one locale.
type Classifier struct {
	tag language.Tag
}

// NewClassifier returns a classifier for the closest supported locale. Unknown or
// malformed locales fall back to Turkish.
func NewClassifier(locale string) Classifier {
	tag, err := language.Parse(strings.TrimSpace(locale))
	if err != nil {
		return Classifier{tag: language.Turkish}
	}
	_, idx, confidence := localeMatcher.Match(tag)
	if confidence == language.No {
		return Classifier{tag: language.Turkish}
	}
	return Classifier{tag: supportedLocales[idx]}
}

// Classify maps a gateway error into a Turkish user message.
func Classify(code, message string) UserMessage {
	return Classifier{tag: language.Turkish}.Classify(code, message)
}

// Locale returns the catalogue language.
func (c Classifier) Locale() language.Tag {
	if c.tag == language.Und {
		return language.Turkish
	}
	return c.tag
}

// Message returns the catalogue sentence for kind.
func (c Classifier) Message(kind MessageKind) UserMessage {
	texts := catalog[c.Locale()]
	text, ok := texts[kind]
	if !ok {
		kind = MessageGeneric
		text = texts[MessageGeneric]
	}
	return UserMessage{Kind: kind, Text: text, Retryable: retryableKinds[kind]}
}

// Classify maps a gateway error code and message to a user message. Rules are
// evaluated in order and the first match wins.
func (c Classifier) Classify(code, message string) UserMessage {
	code = strings.ToLower(strings.TrimSpace(code))
	message = strings.TrimSpace(message)
	if code == "" && message == "" {
		return c.Message(MessageGeneric)
	}
	text := normalize(message)

	if strings.Contains(code, "token") || strings.Contains(text, "token") {
		switch {
		case containsAny(code+" "+text, "expire", "süresi dol", "süresi geç"):
			return c.Message(MessageSessionExpired)
		case containsAny(code+" "+text, "not found", "not_found", "bulunamadı", "bulunamadi"):
			return c.Message(MessageSessionNotFound)
		case containsAny(code+" "+text, "already used", "already been used", "already_used", "daha önce kullanıl", "kullanılmış"):
			return c.Message(MessageAlreadyCompleted)
		}
	}
	if threeDSPattern.MatchString(text) || securityRule.matches(code, text) {
		return c.Message(MessageSecurity)
	}
	if declinedRule.matches(code, text) {
		return c.Message(MessageDeclined)
	}
	if insufficientRule.matches(code, text) {
		return c.Message(MessageInsufficientFunds)
	}
	if limitRule.matches(code, text) {
		return c.Message(MessageLimitExceeded)
	}
	// Card data wording frequently accompanies fraud codes; those never resolve to invalid card.
	if invalidCardRule.matches(code, text) && !fraudRule.matches(code, text) {
		return c.Message(MessageInvalidCard)
	}
	if fraudRule.matches(code, text) {
		return c.Message(MessageFraud)
	}
	if timeoutRule.matches(code, text) {
		return c.Message(MessageTimeout)
	}
	if message != "" && c.inLocale(message) {
		if cleaned := sanitizeGatewayText(message); cleaned != "" {
			return UserMessage{Kind: MessageGateway, Text: cleaned}
		}
	}
	return c.Message(MessageGeneric)
}

func (c Classifier) inLocale(message string) bool {
	turkish := looksTurkish(message)
	if c.Locale() == language.Turkish {
		return turkish
	}
	if turkish {
		return false
	}
	hasLetter := false
	for _, r := range message {
		if r > unicode.MaxASCII {
			return false
		}
		if unicode.IsLetter(r) {
			hasLetter = true
		}
	}
	return hasLetter
}

var turkishWords = []string{"kart", "işlem", "islem", "ödeme", "odeme", "lütfen", "lutfen", "banka", "başarısız", "hata", "geçersiz"}

func looksTurkish(message string) bool {
	if strings.ContainsAny(message, "çğıöşüÇĞİÖŞÜ") {
		return true
	}
	text := normalize(message)
	for _, field := range strings.FieldsFunc(text, func(r rune) bool { return !unicode.IsLetter(r) }) {
		for _, w := range turkishWords {
			if strings.HasPrefix(field, w) {
				return true
			}
		}
	}
	return false
}

func sanitizeGatewayText(message string) string {
	cleaned := html.UnescapeString(passThrough.Sanitize(message))
	cleaned = strings.Join(strings.Fields(cleaned), " ")
	runes := []rune(cleaned)
	if len(runes) > maxPassThroughRunes {
		cleaned = strings.TrimSpace(string(runes[:maxPassThroughRunes]))
	}
	return cleaned
}

// normalize lower-cases text and folds the combining dot produced by lowering "İ".
func normalize(s string) string {
	return strings.ReplaceAll(strings.ToLower(s), "\u0307", "")
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
