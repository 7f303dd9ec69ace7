package anthropic

// BuildCachedSystemBlocks returns the system prompt as a single block with a
// cache breakpoint. The vision tiers send the same long extraction prompt on
// every request, so it is written to the prompt cache once per TTL.
func BuildCachedSystemBlocks(text, ttl string) []SystemBlock {
	if ttl == "" {
		ttl = "5m"
	}
	return []SystemBlock{
		{
			Text:         text,
			CacheControl: &CacheControl{TTL: ttl},
		},
	}
}
