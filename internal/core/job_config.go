package core

// JobConfig is the validated per-job configuration passed through to the
// assigned satellite. Fields are checked against the job type at submission
// time; unknown keys survive in Extra so satellites keep receiving them.
type JobConfig struct {
	MaxDepth       int               `json:"max_depth,omitempty"`
	MaxPages       int               `json:"max_pages,omitempty"`
	FollowExternal bool              `json:"follow_external,omitempty"`
	CompetitorURLs []string          `json:"competitor_urls,omitempty"`
	Keywords       []string          `json:"keywords,omitempty"`
	Extra          map[string]string `json:"extra,omitempty"`
}

// Clone returns a deep copy of the config.
func (c JobConfig) Clone() JobConfig {
	cp := c
	if c.CompetitorURLs != nil {
		cp.CompetitorURLs = make([]string, len(c.CompetitorURLs))
		copy(cp.CompetitorURLs, c.CompetitorURLs)
	}
	if c.Keywords != nil {
		cp.Keywords = make([]string, len(c.Keywords))
		copy(cp.Keywords, c.Keywords)
	}
	if c.Extra != nil {
		cp.Extra = make(map[string]string, len(c.Extra))
		for k, v := range c.Extra {
			cp.Extra[k] = v
		}
	}
	return cp
}

// Validate checks the config against the requirements of the job type.
func (c JobConfig) Validate(t JobType) error {
	if c.MaxDepth < 0 {
		return &ValidationError{Field: "config.max_depth", Reason: "must be >= 0"}
	}
	if c.MaxPages < 0 {
		return &ValidationError{Field: "config.max_pages", Reason: "must be >= 0"}
	}
	switch t {
	case JobTypeCompetitiveAnalysis:
		if len(c.CompetitorURLs) == 0 {
			return &ValidationError{Field: "config.competitor_urls", Reason: "required for competitive_analysis"}
		}
	case JobTypeCrawl:
		if c.MaxDepth == 0 && c.MaxPages == 0 {
			return &ValidationError{Field: "config", Reason: "crawl requires max_depth or max_pages"}
		}
	}
	return nil
}
