package chatbot

import (
	"encoding/binary"
	"strings"

	"golang.org/x/crypto/blake2b"
)

var defaultResponses = []string{
	`죄송합니다. 정확한 답변을 찾지 못했어요. 😅

다음과 같은 주제로 질문해보시는 건 어떨까요?

• **"안녕하세요"** - 인사하기
• **"서울과기대 소개"** - 학교 소개
• **"컴퓨터공학과"** - 전공 정보
• **"입학 정보"** - 입학 안내
• **"취업률"** - 취업 정보
• **"캠퍼스 시설"** - 시설 안내

더 구체적으로 질문해주시면 정확한 답변을 드릴 수 있어요!`,
	`아직 해당 질문에 대한 정보가 준비되어 있지 않아요. 🤔

**대신 이런 질문들을 시도해보세요:**
• "서울과기대에 대해 알려주세요"
• "어떤 전공이 있나요?"
• "입학 정보를 알려주세요"
• "취업률이 어떻게 되나요?"
• "캠퍼스 생활은 어떤가요?"

더 많은 정보가 필요하시면 학교 홈페이지(www.seoultech.ac.kr)를 참고해주세요!`,
}

const defaultApology = `죄송합니다. 현재 시스템에 일시적인 문제가 있습니다. 😔

**다시 시도해주시거나, 다음과 같이 질문해보세요:**
• "안녕하세요"
• "서울과기대 소개"
• "전공 정보"
• "입학 안내"

시스템이 복구되면 더 정확한 답변을 드릴 수 있습니다.`

// Fallback picks a canned reply when no knowledge entry matches.
// Selection depends only on the normalized message.
type Fallback struct {
	responses []string
	apology   string
}

// NewFallback builds a responder from the configured pool. Blank entries are
// ignored; an empty pool or apology falls back to the built-in texts.
func NewFallback(responses []string, apology string) *Fallback {
	pool := make([]string, 0, len(responses))
	for _, response := range responses {
		if strings.TrimSpace(response) != "" {
			pool = append(pool, response)
		}
	}
	if len(pool) == 0 {
		pool = append(pool, defaultResponses...)
	}
	if strings.TrimSpace(apology) == "" {
		apology = defaultApology
	}
	return &Fallback{responses: pool, apology: apology}
}

// Respond returns the pool entry selected by a BLAKE2b hash of the message.
func (f *Fallback) Respond(normalized string) string {
	if f == nil || len(f.responses) == 0 {
		return defaultResponses[pick(normalized, len(defaultResponses))]
	}
	return f.responses[pick(normalized, len(f.responses))]
}

// Apology is the reply used when the knowledge base cannot be reached.
func (f *Fallback) Apology() string {
	if f == nil || f.apology == "" {
		return defaultApology
	}
	return f.apology
}

// Size reports how many canned responses are in the pool.
func (f *Fallback) Size() int {
	if f == nil {
		return len(defaultResponses)
	}
	return len(f.responses)
}

func pick(normalized string, n int) int {
	sum := blake2b.Sum256([]byte(normalized))
	return int(binary.BigEndian.Uint64(sum[:8]) % uint64(n))
}
