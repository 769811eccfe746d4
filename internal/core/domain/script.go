package domain

// GeneratedClaimScript is the text a user reads or pastes when asking for a credit
type GeneratedClaimScript struct {
	Text         string   `json:"text"`
	SupportURL   string   `json:"support_url"`
	SupportPhone string   `json:"support_phone"`
	Tips         []string `json:"tips"`
}

// Clone returns a deep copy.
func (s *GeneratedClaimScript) Clone() *GeneratedClaimScript {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Tips = append([]string(nil), s.Tips...)
	return &cp
}
