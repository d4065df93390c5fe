package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// MediaCategory: категория фото/видео, которую техник прикладывает к запросу завершения.
type MediaCategory string

const (
	MediaFront   MediaCategory = "front"
	MediaCircuit MediaCategory = "circuit"
	MediaQRCode  MediaCategory = "qrcode"
	MediaSite    MediaCategory = "site"
	MediaFinish  MediaCategory = "finish"
)

// MediaCategories возвращает обязательные категории в фиксированном порядке.
func MediaCategories() []MediaCategory {
	return []MediaCategory{MediaFront, MediaCircuit, MediaQRCode, MediaSite, MediaFinish}
}

// MediaType различает изображения и видео.
type MediaType string

const (
	MediaTypeImage MediaType = "image"
	MediaTypeVideo MediaType = "video"
)

// MediaItem: нормализованная ссылка на медиа.
type MediaItem struct {
	URL  string    `json:"url" bson:"url"`
	Type MediaType `json:"type" bson:"type"`
}

// CompletionMedia: медиа по категориям, сохранённые при последнем запросе завершения.
type CompletionMedia map[MediaCategory][]MediaItem

// Clone возвращает глубокую копию.
func (m CompletionMedia) Clone() CompletionMedia {
	if m == nil {
		return nil
	}
	dst := make(CompletionMedia, len(m))
	for cat, items := range m {
		dst[cat] = append([]MediaItem(nil), items...)
	}
	return dst
}

// MediaRef: ссылка в том виде, в каком её прислал клиент:
// либо строка с URL, либо объект {url, type}.
type MediaRef struct {
	URL  string `json:"url"`
	Type string `json:"type,omitempty"`
}

// UnmarshalJSON принимает как строку, так и объект.
func (r *MediaRef) UnmarshalJSON(data []byte) error {
	var url string
	if err := json.Unmarshal(data, &url); err == nil {
		*r = MediaRef{URL: url}
		return nil
	}
	type plain MediaRef
	var obj plain
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("media reference must be a url string or an object: %w", err)
	}
	*r = MediaRef(obj)
	return nil
}

// MediaSubmission: медиа, присланные техником, до нормализации.
type MediaSubmission map[MediaCategory][]MediaRef

// MediaLimit: допустимое количество элементов в категории.
type MediaLimit struct {
	Min int
	Max int
}

// MediaRequirement задаёт ограничения по каждой обязательной категории.
type MediaRequirement map[MediaCategory]MediaLimit

// DefaultMediaRequirement: по одному элементу в каждой из пяти категорий.
func DefaultMediaRequirement() MediaRequirement {
	req := make(MediaRequirement, 5)
	for _, cat := range MediaCategories() {
		req[cat] = MediaLimit{Min: 1, Max: 1}
	}
	return req
}

// Normalize проверяет количество элементов в каждой категории и приводит ссылки к {url, type}.
// Категории, которых нет в требованиях, отбрасываются.
func (req MediaRequirement) Normalize(sub MediaSubmission) (CompletionMedia, error) {
	out := make(CompletionMedia, len(req))
	for _, cat := range MediaCategories() {
		limit, ok := req[cat]
		if !ok {
			continue
		}
		refs := sub[cat]
		if len(refs) < limit.Min {
			return nil, fmt.Errorf("%w: category %q requires at least %d item(s), got %d", ErrMediaInvalid, cat, limit.Min, len(refs))
		}
		if limit.Max > 0 && len(refs) > limit.Max {
			return nil, fmt.Errorf("%w: category %q allows at most %d item(s), got %d", ErrMediaInvalid, cat, limit.Max, len(refs))
		}

		items := make([]MediaItem, 0, len(refs))
		for _, ref := range refs {
			url := strings.TrimSpace(ref.URL)
			if url == "" {
				return nil, fmt.Errorf("%w: category %q contains an empty url", ErrMediaInvalid, cat)
			}
			mediaType := MediaTypeImage
			if strings.EqualFold(strings.TrimSpace(ref.Type), string(MediaTypeVideo)) {
				mediaType = MediaTypeVideo
			}
			items = append(items, MediaItem{URL: url, Type: mediaType})
		}
		out[cat] = items
	}
	return out, nil
}
