package state

import (
	"github.com/researchaccelerator-hub/youtube-collector/model/youtube"
)

// mergeVideos upserts incoming videos into existing ones by video ID. Existing
// order is kept and new videos are appended. Comments are upserted the same way,
// so a video stored without comments keeps the ones already stored.
func mergeVideos(existing, incoming []youtube.VideoRecord) []youtube.VideoRecord {
	index := make(map[string]int, len(existing))
	merged := make([]youtube.VideoRecord, 0, len(existing)+len(incoming))
	for _, v := range existing {
		index[v.VideoID] = len(merged)
		merged = append(merged, v)
	}

	for _, v := range incoming {
		i, ok := index[v.VideoID]
		if !ok {
			index[v.VideoID] = len(merged)
			merged = append(merged, v)
			continue
		}
		v.Comments = mergeComments(merged[i].Comments, v.Comments)
		merged[i] = v
	}
	return merged
}

func mergeComments(existing, incoming []youtube.CommentRecord) []youtube.CommentRecord {
	if len(existing) == 0 {
		return incoming
	}
	index := make(map[string]int, len(existing))
	merged := make([]youtube.CommentRecord, 0, len(existing)+len(incoming))
	for _, c := range existing {
		index[c.CommentID] = len(merged)
		merged = append(merged, c)
	}
	for _, c := range incoming {
		if i, ok := index[c.CommentID]; ok {
			merged[i] = c
			continue
		}
		index[c.CommentID] = len(merged)
		merged = append(merged, c)
	}
	return merged
}
