package classify

import "github.com/bryan-buckman/threadlens/internal/model"

// Aggregate returns one bucket per schema category, in schema order. Each
// bucket lists the member posts in input order. Posts without a
// classification belong to no bucket.
func Aggregate(s *Schema, posts []model.Post, classifications map[string]*model.Classification) []model.CategoryBucket {
	buckets := make([]model.CategoryBucket, len(s.categories))
	for i, c := range s.categories {
		buckets[i] = model.CategoryBucket{Category: c, Posts: []model.Post{}}
	}

	for _, p := range posts {
		cl := classifications[p.ExternalID]
		if cl == nil {
			continue
		}
		for i, c := range s.categories {
			if cl.Member(c.ID) {
				buckets[i].Posts = append(buckets[i].Posts, p)
			}
		}
	}

	for i := range buckets {
		buckets[i].Count = len(buckets[i].Posts)
	}
	return buckets
}
