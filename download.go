package movielens

import (
	"bufio"
	"encoding/gob"
	"io"
	"math/rand/v2"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/gomlx/gomlx/examples/downloader"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// ZipURL of the MovieLens-1M dataset.
	ZipURL = "https://files.grouplens.org/datasets/movielens/ml-1m.zip"

	zipFileName     = "ml-1m.zip"
	downloadSubdir  = "downloads"
	unzippedSubdir  = "ml-1m"
	metadataFile    = "metadata.bin"
	usersFileName   = "users.dat"
	moviesFileName  = "movies.dat"
	ratingsFileName = "ratings.dat"
)

// SplitSeed for the shuffle behind the train/validation/test split of the
// rating edges. Fixed so the split (and the cached tensors) is reproducible.
const SplitSeed = 42

// TrainFraction and ValidFraction of the rating edges; the remainder is the
// test split.
const (
	TrainFraction = 0.8
	ValidFraction = 0.1
)

// GenreNames used in movies.dat, in the column order of the Genres tensor.
var GenreNames = []string{
	"Action", "Adventure", "Animation", "Children's", "Comedy", "Crime",
	"Documentary", "Drama", "Fantasy", "Film-Noir", "Horror", "Musical",
	"Mystery", "Romance", "Sci-Fi", "Thriller", "War", "Western",
}

// ageToBucket maps the age values used in users.dat to consecutive bucket
// indices.
var ageToBucket = map[int]int32{
	1: 0, 18: 1, 25: 2, 35: 3, 45: 4, 50: 5, 56: 6,
}

// tensorFiles maps cached tensor file names to the corresponding package
// variables. Valid only after the splits are allocated.
func tensorFiles() map[string]**tensors.Tensor {
	return map[string]**tensors.Tensor{
		"genders.tensor":       &Genders,
		"age_buckets.tensor":   &AgeBuckets,
		"occupations.tensor":   &Occupations,
		"genres.tensor":        &Genres,
		"title_tokens.tensor":  &TitleTokens,
		"train_pairs.tensor":   &TrainSplit.Pairs,
		"train_ratings.tensor": &TrainSplit.Ratings,
		"valid_pairs.tensor":   &ValidSplit.Pairs,
		"valid_ratings.tensor": &ValidSplit.Ratings,
		"test_pairs.tensor":    &TestSplit.Pairs,
		"test_ratings.tensor":  &TestSplit.Ratings,
	}
}

// Download the MovieLens-1M dataset to baseDir, parse it and set the package
// level tensors and the feature schema (NodeFeatures). The parsed tensors are
// cached under baseDir, so later calls (and runs) only read the cache.
//
// It is a no-op if the data is already loaded.
func Download(baseDir string) error {
	if Genders != nil {
		return nil
	}
	baseDir = fsutil.MustReplaceTildeInDir(baseDir)
	if err := os.MkdirAll(baseDir, 0777); err != nil {
		return errors.Wrapf(err, "failed to create directory %q", baseDir)
	}
	if err := loadCached(baseDir); err == nil {
		NodeFeatures = movieLensFeatures()
		return nil
	} else {
		klog.V(1).Infof("cache not available (%v), parsing the dataset", err)
	}

	downloadDir := path.Join(baseDir, downloadSubdir)
	if err := os.MkdirAll(downloadDir, 0777); err != nil {
		return errors.Wrapf(err, "failed to create directory %q", downloadDir)
	}
	dataDir := path.Join(downloadDir, unzippedSubdir)
	err := downloader.DownloadAndUnzipIfMissing(
		ZipURL, path.Join(downloadDir, zipFileName), downloadDir, dataDir, "")
	if err != nil {
		return err
	}

	var genders, ages, occupations []int32
	var numUsers int
	err = withFile(path.Join(dataDir, usersFileName), func(r io.Reader) (err error) {
		genders, ages, occupations, numUsers, err = parseUsers(r)
		return
	})
	if err != nil {
		return err
	}
	if numUsers != NumUsers {
		return errors.Errorf("expected %d users, parsed %d", NumUsers, numUsers)
	}
	var movies *movieTable
	err = withFile(path.Join(dataDir, moviesFileName), func(r io.Reader) (err error) {
		movies, err = parseMovies(r)
		return
	})
	if err != nil {
		return err
	}
	if len(movies.titles) != NumMovies {
		return errors.Errorf("expected %d movies, parsed %d", NumMovies, len(movies.titles))
	}
	var ratingPairs []int32
	var ratingValues []float32
	err = withFile(path.Join(dataDir, ratingsFileName), func(r io.Reader) (err error) {
		ratingPairs, ratingValues, err = parseRatings(r, movies.nodeByID)
		return
	})
	if err != nil {
		return err
	}

	buildFeatureTensors(genders, ages, occupations, movies)
	TrainSplit, ValidSplit, TestSplit = splitRatings(ratingPairs, ratingValues)
	MovieTitles = movies.titles
	TitleVocabSize = movies.vocabSize
	NodeFeatures = movieLensFeatures()
	return saveCache(baseDir)
}

// withFile opens filePath and runs the given parser on it.
func withFile(filePath string, parser func(io.Reader) error) error {
	f, err := os.Open(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to open %q", filePath)
	}
	defer func() { _ = f.Close() }()
	if err = parser(f); err != nil {
		return errors.WithMessagef(err, "while parsing %q", filePath)
	}
	return nil
}

// parseUsers parses users.dat ("UserID::Gender::Age::Occupation::Zip-code"),
// returning the per-user gender, age bucket and occupation, indexed by user
// node (UserID-1), and the number of users parsed.
func parseUsers(r io.Reader) (genders, ages, occupations []int32, count int, err error) {
	genders = make([]int32, NumUsers)
	ages = make([]int32, NumUsers)
	occupations = make([]int32, NumUsers)
	fail := func(format string, args ...any) ([]int32, []int32, []int32, int, error) {
		return nil, nil, nil, 0, errors.Errorf(format, args...)
	}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Split(line, "::")
		if len(fields) != 5 {
			return fail("expected 5 \"::\"-separated fields, got %q", line)
		}
		userID, err := strconv.Atoi(fields[0])
		if err != nil || userID < 1 || userID > NumUsers {
			return fail("invalid user ID %q", fields[0])
		}
		node := userID - 1
		switch fields[1] {
		case "F":
			genders[node] = 0
		case "M":
			genders[node] = 1
		default:
			return fail("invalid gender %q for user %d", fields[1], userID)
		}
		age, err := strconv.Atoi(fields[2])
		if err != nil {
			return fail("invalid age %q for user %d", fields[2], userID)
		}
		bucket, found := ageToBucket[age]
		if !found {
			return fail("unknown age bucket %d for user %d", age, userID)
		}
		ages[node] = bucket
		occupation, err := strconv.Atoi(fields[3])
		if err != nil || occupation < 0 || occupation >= NumOccupations {
			return fail("invalid occupation %q for user %d", fields[3], userID)
		}
		occupations[node] = int32(occupation)
		count++
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, nil, 0, err
	}
	return genders, ages, occupations, count, nil
}

// movieTable is the parsed content of movies.dat: movies densely re-indexed
// in file order, so movie index `m` maps to node `NumUsers+m`.
type movieTable struct {
	// nodeByID maps the sparse movie IDs of the data files to node IDs.
	nodeByID map[int32]int32

	titles []string

	// genres multi-hot rows, flat `[numMovies * NumGenres]`.
	genres []float32

	// tokens of the titles, flat `[numMovies * MaxTitleTokens]`, 0 padded.
	tokens []int32

	// vocabSize of the title tokens (token ids are 1-based).
	vocabSize int
}

// parseMovies parses movies.dat ("MovieID::Title::Genres"), densely remapping
// the sparse movie IDs in file order and tokenizing the titles.
func parseMovies(r io.Reader) (*movieTable, error) {
	table := &movieTable{nodeByID: make(map[int32]int32, NumMovies)}
	genreColumn := make(map[string]int, NumGenres)
	for col, name := range GenreNames {
		genreColumn[name] = col
	}
	vocab := make(map[string]int32)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Split(line, "::")
		if len(fields) != 3 {
			return nil, errors.Errorf("expected 3 \"::\"-separated fields, got %q", line)
		}
		movieID, err := strconv.Atoi(fields[0])
		if err != nil || movieID < 1 {
			return nil, errors.Errorf("invalid movie ID %q", fields[0])
		}
		if _, found := table.nodeByID[int32(movieID)]; found {
			return nil, errors.Errorf("duplicate movie ID %d", movieID)
		}
		movieIdx := len(table.titles)
		table.nodeByID[int32(movieID)] = int32(NumUsers + movieIdx)
		table.titles = append(table.titles, fields[1])

		genreRow := make([]float32, NumGenres)
		for _, genre := range strings.Split(fields[2], "|") {
			col, found := genreColumn[genre]
			if !found {
				return nil, errors.Errorf("unknown genre %q for movie %d", genre, movieID)
			}
			genreRow[col] = 1
		}
		table.genres = append(table.genres, genreRow...)

		tokenRow := make([]int32, MaxTitleTokens)
		for ii, token := range tokenizeTitle(fields[1]) {
			if ii >= MaxTitleTokens {
				break
			}
			id, found := vocab[token]
			if !found {
				id = int32(len(vocab) + 1) // 0 is reserved for padding.
				vocab[token] = id
			}
			tokenRow[ii] = id
		}
		table.tokens = append(table.tokens, tokenRow...)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	table.vocabSize = len(vocab)
	return table, nil
}

// tokenizeTitle lower-cases the title and splits it on any non-alphanumeric
// rune. Empty tokens are dropped.
func tokenizeTitle(title string) []string {
	return strings.FieldsFunc(strings.ToLower(title), func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9')
	})
}

// parseRatings parses ratings.dat ("UserID::MovieID::Rating::Timestamp") into
// flat (user node, movie node) pairs and their float ratings.
func parseRatings(r io.Reader, nodeByMovieID map[int32]int32) (pairs []int32, ratings []float32, err error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Split(line, "::")
		if len(fields) != 4 {
			return nil, nil, errors.Errorf("expected 4 \"::\"-separated fields, got %q", line)
		}
		userID, err := strconv.Atoi(fields[0])
		if err != nil || userID < 1 || userID > NumUsers {
			return nil, nil, errors.Errorf("invalid user ID %q", fields[0])
		}
		movieID, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, nil, errors.Errorf("invalid movie ID %q", fields[1])
		}
		movieNode, found := nodeByMovieID[int32(movieID)]
		if !found {
			return nil, nil, errors.Errorf("rating for unknown movie ID %d", movieID)
		}
		rating, err := strconv.Atoi(fields[2])
		if err != nil || rating < 1 || rating > 5 {
			return nil, nil, errors.Errorf("invalid rating %q", fields[2])
		}
		pairs = append(pairs, int32(userID-1), movieNode)
		ratings = append(ratings, float32(rating))
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, err
	}
	return pairs, ratings, nil
}

// buildFeatureTensors assembles the per-node feature tensors (NumNodes rows)
// from the parsed user and movie tables. Rows of the other node kind stay
// zero.
func buildFeatureTensors(genders, ages, occupations []int32, movies *movieTable) {
	fullGenders := make([]int32, NumNodes)
	fullAges := make([]int32, NumNodes)
	fullOccupations := make([]int32, NumNodes)
	copy(fullGenders, genders)
	copy(fullAges, ages)
	copy(fullOccupations, occupations)
	Genders = tensors.FromFlatDataAndDimensions(fullGenders, NumNodes, 1)
	AgeBuckets = tensors.FromFlatDataAndDimensions(fullAges, NumNodes, 1)
	Occupations = tensors.FromFlatDataAndDimensions(fullOccupations, NumNodes, 1)

	fullGenres := make([]float32, NumNodes*NumGenres)
	copy(fullGenres[NumUsers*NumGenres:], movies.genres)
	Genres = tensors.FromFlatDataAndDimensions(fullGenres, NumNodes, NumGenres)

	fullTokens := make([]int32, NumNodes*MaxTitleTokens)
	copy(fullTokens[NumUsers*MaxTitleTokens:], movies.tokens)
	TitleTokens = tensors.FromFlatDataAndDimensions(fullTokens, NumNodes, MaxTitleTokens)
}

// splitRatings shuffles the rating edges with a fixed seed and splits them
// into train, validation and test splits (TrainFraction / ValidFraction /
// remainder).
func splitRatings(pairs []int32, ratings []float32) (trainSplit, validSplit, testSplit *RatingsSplit) {
	numEdges := len(ratings)
	rng := rand.New(rand.NewPCG(SplitSeed, SplitSeed))
	perm := rng.Perm(numEdges)

	numTrain := int(TrainFraction * float64(numEdges))
	numValid := int(ValidFraction * float64(numEdges))
	makeSplit := func(rows []int) *RatingsSplit {
		splitPairs := make([]int32, 0, 2*len(rows))
		splitRatings := make([]float32, 0, len(rows))
		for _, row := range rows {
			splitPairs = append(splitPairs, pairs[2*row], pairs[2*row+1])
			splitRatings = append(splitRatings, ratings[row])
		}
		return &RatingsSplit{
			Pairs:   tensors.FromFlatDataAndDimensions(splitPairs, len(rows), 2),
			Ratings: tensors.FromFlatDataAndDimensions(splitRatings, len(rows), 1),
		}
	}
	trainSplit = makeSplit(perm[:numTrain])
	validSplit = makeSplit(perm[numTrain : numTrain+numValid])
	testSplit = makeSplit(perm[numTrain+numValid:])
	return
}

// metadata persisted with the cached tensors.
type metadata struct {
	TitleVocabSize int
	MovieTitles    []string
}

// saveCache writes all parsed tensors and the metadata to baseDir.
func saveCache(baseDir string) error {
	for fileName, tensorRef := range tensorFiles() {
		if err := (*tensorRef).Save(path.Join(baseDir, fileName)); err != nil {
			return err
		}
	}
	f, err := os.Create(path.Join(baseDir, metadataFile))
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", metadataFile)
	}
	defer func() { _ = f.Close() }()
	enc := gob.NewEncoder(f)
	if err = enc.Encode(metadata{TitleVocabSize: TitleVocabSize, MovieTitles: MovieTitles}); err != nil {
		return errors.Wrapf(err, "failed to encode %q", metadataFile)
	}
	return nil
}

// loadCached loads all tensors and the metadata from baseDir, failing if any
// file is missing.
func loadCached(baseDir string) error {
	f, err := os.Open(path.Join(baseDir, metadataFile))
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	var meta metadata
	dec := gob.NewDecoder(f)
	if err = dec.Decode(&meta); err != nil {
		return errors.Wrapf(err, "failed to decode %q", metadataFile)
	}

	TrainSplit, ValidSplit, TestSplit = &RatingsSplit{}, &RatingsSplit{}, &RatingsSplit{}
	for fileName, tensorRef := range tensorFiles() {
		t, err := tensors.Load(path.Join(baseDir, fileName))
		if err != nil {
			return err
		}
		*tensorRef = t
	}
	TitleVocabSize = meta.TitleVocabSize
	MovieTitles = meta.MovieTitles
	return nil
}
