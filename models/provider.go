package models

// VideoRequest is one image-to-video submission. Frame values are URLs the
// provider can fetch.
type VideoRequest struct {
	Prompt        string
	FirstFrameURL string
	LastFrameURL  string
	Duration      int
	Resolution    string
}

// AudioClip is synthesized narration as returned by the speech provider.
type AudioClip struct {
	Data   []byte
	Format string // file extension without the dot, e.g. "mp3"
}
