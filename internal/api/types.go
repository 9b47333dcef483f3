package api

const (
	GeneratePath = "/api/image/generate"
	ProxyPath    = "/api/image/download-proxy"
)

// Params are the generation knobs sent with every prompt.
type Params struct {
	Model   string
	Size    string
	Quality string
	Style   string
}

func DefaultParams() Params {
	return Params{
		Model:   "dall-e-3",
		Size:    "1024x1024",
		Quality: "standard",
		Style:   "vivid",
	}
}

// WithDefaults fills any empty field from DefaultParams.
func (p Params) WithDefaults() Params {
	d := DefaultParams()
	if p.Model == "" {
		p.Model = d.Model
	}
	if p.Size == "" {
		p.Size = d.Size
	}
	if p.Quality == "" {
		p.Quality = d.Quality
	}
	if p.Style == "" {
		p.Style = d.Style
	}
	return p
}

type GenerateRequest struct {
	Prompt  string `json:"prompt"`
	Model   string `json:"model,omitempty"`
	Size    string `json:"size,omitempty"`   // e.g. 1024x1024, 1792x1024
	Quality string `json:"quality,omitempty"` // standard or hd
	Style   string `json:"style,omitempty"`   // vivid or natural
}

type GenerateResponse struct {
	Success bool       `json:"success"`
	Data    *ImageData `json:"data,omitempty"`
	Error   string     `json:"error,omitempty"`
}

// ImageData carries exactly one of URL or B64JSON; Kind says which.
type ImageData struct {
	Kind          string `json:"kind,omitempty"` // url or embedded
	URL           string `json:"url,omitempty"`
	B64JSON       string `json:"b64_json,omitempty"`
	MIMEType      string `json:"mime_type,omitempty"`
	Created       int64  `json:"created"`
	Model         string `json:"model,omitempty"`
	Size          string `json:"size,omitempty"`
	Quality       string `json:"quality,omitempty"`
	Style         string `json:"style,omitempty"`
	RevisedPrompt string `json:"revised_prompt,omitempty"`
}

type ProxyRequest struct {
	ImageURL string `json:"imageUrl"`
}
